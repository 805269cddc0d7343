// Package singleflight coalesces concurrent upstream lookups for the same
// cache key into a single in-flight call. It is a thin domain
// wrapper around golang.org/x/sync/singleflight.Group, the same package
// mosdns's cache plugin uses for its lazy-update de-duplication.
package singleflight

import (
	"github.com/miekg/dns"
	"golang.org/x/sync/singleflight"
)

// Result is what a coalesced call produces: the upstream reply (or nil on
// error) plus the error itself, so every waiter observes the same outcome.
type Result struct {
	Reply *dns.Msg
	Err   error
}

// Group de-duplicates concurrent Do calls sharing the same key. Within the
// window one caller's fn runs; every other caller for that key blocks and
// receives a copy of the same Result ("concurrent requests for
// the same Miss cache key collapse to exactly one upstream request").
type Group struct {
	sf singleflight.Group
}

// New returns a ready-to-use Group.
func New() *Group {
	return &Group{}
}

// Do runs fn for key if no call for key is already in flight, otherwise it
// waits for the in-flight call and returns its result. shared reports
// whether the returned Result was produced by a call this goroutine did not
// originate (i.e., whether de-duplication actually happened), which the
// resolver uses to bump singleflight_dedup_total.
func (g *Group) Do(key string, fn func() (*dns.Msg, error)) (result Result, shared bool) {
	v, err, shared := g.sf.Do(key, func() (interface{}, error) {
		reply, ferr := fn()
		return &Result{Reply: reply, Err: ferr}, nil
	})
	res := v.(*Result)
	_ = err // fn's error is carried inside Result, not the singleflight err
	return *res, shared
}
