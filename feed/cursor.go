package feed

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/gorilla/securecookie"
	"golang.org/x/crypto/hkdf"

	"github.com/ts4z/feedsync/model"
)

const (
	cursorName = "feedsync-cursor"

	// Sizes recommended by gorilla/securecookie.
	hashKeySize  = 32
	blockKeySize = 16
)

// CursorCodec turns composite cursors into opaque strings and back.  The
// first secret signs and encrypts; every secret is tried on decode, so a
// secret can be rotated out without breaking cursors held by clients.
type CursorCodec struct {
	codecs []securecookie.Codec
}

// NewCursorCodec derives keys from each secret.  At least one is needed.
func NewCursorCodec(secrets ...[]byte) (*CursorCodec, error) {
	if len(secrets) == 0 {
		return nil, errors.New("cursor codec needs a secret")
	}
	cc := &CursorCodec{}
	for i, secret := range secrets {
		if len(secret) == 0 {
			return nil, fmt.Errorf("cursor secret %d is empty", i)
		}
		kdf := hkdf.New(sha256.New, secret, nil, []byte(cursorName))
		hashKey := make([]byte, hashKeySize)
		blockKey := make([]byte, blockKeySize)
		if _, err := io.ReadFull(kdf, hashKey); err != nil {
			return nil, err
		}
		if _, err := io.ReadFull(kdf, blockKey); err != nil {
			return nil, err
		}
		sc := securecookie.New(hashKey, blockKey)
		sc.SetSerializer(securecookie.JSONEncoder{})
		// Cursors don't expire; a stale one just restarts pagination when
		// the source set has moved on.
		sc.MaxAge(0)
		// A cursor over many peers outgrows a cookie.
		sc.MaxLength(0)
		cc.codecs = append(cc.codecs, sc)
	}
	return cc, nil
}

func (c *CursorCodec) Encode(cur *model.CompositeCursor) (string, error) {
	s, err := c.codecs[0].Encode(cursorName, cur)
	if err != nil {
		return "", fmt.Errorf("can't encode cursor: %w", err)
	}
	return s, nil
}

func (c *CursorCodec) Decode(s string) (*model.CompositeCursor, error) {
	cur := &model.CompositeCursor{}
	if err := securecookie.DecodeMulti(cursorName, s, cur, c.codecs...); err != nil {
		return nil, fmt.Errorf("can't decode cursor: %w", err)
	}
	return cur, nil
}

// canonical is a stable name for a cursor's position, for cache keys.
// Encoded cursors carry a timestamp, so two encodings of the same position
// differ.
func canonical(cur *model.CompositeCursor) string {
	b, err := json.Marshal(cur)
	if err != nil {
		// Only strings, ints and bools in here.
		panic(err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:12])
}
