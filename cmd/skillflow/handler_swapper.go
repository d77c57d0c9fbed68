package main

import (
	"net/http"
	"sync/atomic"
)

// handlerSwapper serves whichever mux was installed last. serve rebuilds the
// mux on SIGHUP so the panel can be switched on or off without a restart.
type handlerSwapper struct {
	current atomic.Pointer[http.Handler]
}

func newHandlerSwapper(h http.Handler) *handlerSwapper {
	s := &handlerSwapper{}
	s.Swap(h)
	return s
}

func (s *handlerSwapper) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	(*s.current.Load()).ServeHTTP(w, r)
}

// Swap installs h for every request that starts after it returns.
func (s *handlerSwapper) Swap(h http.Handler) {
	s.current.Store(&h)
}
