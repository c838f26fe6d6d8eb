package middleware

import (
	"log"
	"net/http"
	"time"
)

type Clock interface {
	Now() time.Time
}

// RequestLogger writes one access log line per request.  Streamed
// responses also get a line when they start, since they may not end for
// hours.
type RequestLogger struct {
	next  http.Handler
	clock Clock
}

func NewRequestLogger(next http.Handler, clock Clock) *RequestLogger {
	return &RequestLogger{next: next, clock: clock}
}

var (
	_ http.ResponseWriter = &recorder{}
	_ http.Flusher        = &recorder{}
)

// recorder captures the status and size of a response.
type recorder struct {
	w        http.ResponseWriter
	code     int
	bytes    int64
	streamed bool
	onStream func()
}

func (rec *recorder) Header() http.Header {
	return rec.w.Header()
}

func (rec *recorder) Write(b []byte) (int, error) {
	if rec.code == 0 {
		rec.code = http.StatusOK
	}
	n, err := rec.w.Write(b)
	rec.bytes += int64(n)
	return n, err
}

func (rec *recorder) WriteHeader(statusCode int) {
	if rec.code == 0 {
		rec.code = statusCode
	}
	rec.w.WriteHeader(statusCode)
}

func (rec *recorder) Flush() {
	f, ok := rec.w.(http.Flusher)
	if !ok {
		return
	}
	if !rec.streamed {
		rec.streamed = true
		if rec.onStream != nil {
			rec.onStream()
		}
	}
	f.Flush()
}

func (rec *recorder) status() int {
	if rec.code == 0 {
		return http.StatusOK
	}
	return rec.code
}

func remoteAddr(r *http.Request) string {
	if r.Header.Get("X-Forwarded-For") != "" {
		return r.Header.Get("X-Forwarded-For")
	}
	return r.RemoteAddr
}

func target(r *http.Request) string {
	if r.URL.RawQuery == "" {
		return r.URL.Path
	}
	return r.URL.Path + "?" + r.URL.RawQuery
}

func (rl *RequestLogger) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := rl.clock.Now()
	rec := &recorder{w: w}
	rec.onStream = func() {
		log.Printf("[access log] %d %v %s %s streaming", rec.status(), remoteAddr(r), r.Method, target(r))
	}
	rl.next.ServeHTTP(rec, r)
	elapsed := rl.clock.Now().Sub(start)
	log.Printf("[access log] %d %v %s %s %dB (%v)", rec.status(), remoteAddr(r), r.Method, target(r), rec.bytes, elapsed)
}
