/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Apr  1 10:12:41 2019 mstenber
 * Last modified: Thu Apr 18 14:02:17 2019 mstenber
 * Edit time:     74 min
 *
 */

// mlog is maybe-log: a thin wrapper of the standard 'log' which
// prints only what has been asked for, and prints nothing (with
// next to no overhead) by default.
//
// What is printed is chosen with a regular expression matched
// against the file tag given to Printf2 (or the caller's file name
// in case of Printf). The pattern comes from the MLOG environment
// variable, the -mlog flag, or SetPattern.
package mlog

import (
	"flag"
	"log"
	"os"
	"regexp"
	"runtime"
	"sync"
	"sync/atomic"
)

const (
	stateUninitialized int32 = iota
	stateInitializing
	stateDisabled
	stateEnabled
)

var logger = log.New(os.Stderr, "", log.Ltime|log.Lmicroseconds)

// status can be read by anyone, with atomic access
var status = stateUninitialized

var mutex sync.Mutex

// Everything below is used only with mutex held
var flagPattern *string
var pattern string
var patternRegexp *regexp.Regexp
var tag2Enabled map[string]bool

func init() {
	flagPattern = flag.String("mlog", "", "Enable logging based on the given file tag regular expression")
}

// IsEnabled can be used to check if mlog is in use at all, before
// doing something expensive just to produce log arguments.
func IsEnabled() bool {
	return atomic.LoadInt32(&status) != stateDisabled
}

// SetLogger overrides the output logger. The returned undo function
// restores the old one.
func SetLogger(l *log.Logger) (undo func()) {
	mutex.Lock()
	defer mutex.Unlock()
	old := logger
	logger = l
	return func() {
		mutex.Lock()
		defer mutex.Unlock()
		logger = old
	}
}

// SetPattern sets the enabled-tag pattern by hand, overriding the
// environment/flag provided value. The returned undo function
// restores the previous state.
func SetPattern(p string) (undo func()) {
	mutex.Lock()
	defer mutex.Unlock()
	old := pattern
	initializeWithPattern(p)
	return func() {
		mutex.Lock()
		defer mutex.Unlock()
		initializeWithPattern(old)
	}
}

func initializeWithPattern(p string) {
	pattern = p
	if p == "" {
		atomic.StoreInt32(&status, stateDisabled)
		return
	}
	patternRegexp = regexp.MustCompile(p)
	tag2Enabled = make(map[string]bool)
	atomic.StoreInt32(&status, stateEnabled)
}

func initialize() {
	if !atomic.CompareAndSwapInt32(&status, stateUninitialized, stateInitializing) {
		return
	}
	p := os.Getenv("MLOG")
	if *flagPattern != "" {
		p = *flagPattern
	}
	initializeWithPattern(p)
}

// Printf is a drop-in replacement of log.Printf. It still does
// runtime.Caller() whenever mlog is enabled at all, so Printf2 is
// preferable on hot paths.
func Printf(format string, args ...interface{}) {
	if !IsEnabled() {
		return
	}
	_, file, _, ok := runtime.Caller(1)
	if !ok {
		return
	}
	Printf2(file, format, args...)
}

// Printf2 is the premier logging choice; it is supplied the file tag
// by hand and therefore costs only an atomic load when disabled.
func Printf2(tag string, format string, args ...interface{}) {
	st := atomic.LoadInt32(&status)
	if st == stateDisabled {
		return
	}
	mutex.Lock()
	if st < stateDisabled {
		initialize()
		if atomic.LoadInt32(&status) <= stateDisabled {
			mutex.Unlock()
			return
		}
	}
	enabled, seen := tag2Enabled[tag]
	if !seen {
		enabled = patternRegexp.FindString(tag) != ""
		tag2Enabled[tag] = enabled
	}
	l := logger
	mutex.Unlock()
	if !enabled {
		return
	}
	l.Printf(tag+" "+format, args...)
}
