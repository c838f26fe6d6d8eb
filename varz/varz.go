/*
Package varz makes expvar variables named after the package that declares
them, so "hits" in cachestore shows up as
github.com/ts4z/feedsync/cachestore.hits on /debug/vars.
*/
package varz

import (
	"expvar"
	"runtime"
	"strings"
)

// declaringPackage walks up past varz itself and returns the caller's
// package path.  Package-level var blocks run in the package's init, which
// trimming after the last dot also handles.
func declaringPackage() string {
	pc, _, _, ok := runtime.Caller(2)
	if !ok {
		return "varz.unknown"
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return "varz.unknown"
	}
	name := fn.Name()
	slash := strings.LastIndex(name, "/")
	if dot := strings.Index(name[slash+1:], "."); dot != -1 {
		name = name[:slash+1+dot]
	}
	return name
}

func NewInt(name string) *expvar.Int {
	return expvar.NewInt(declaringPackage() + "." + name)
}

// NewMap is for counters keyed by something dynamic, like a source id or
// connection target.
func NewMap(name string) *expvar.Map {
	return expvar.NewMap(declaringPackage() + "." + name)
}
