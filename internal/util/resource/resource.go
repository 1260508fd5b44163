// Copyright 2021 FerretDB Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package resource provides utilities for tracking resource lifetimes.
//
// Pools, leases, transactions and sessions are tracked from creation until they are
// released. An object that becomes unreachable while still tracked is reported
// to the leak handler, which is how unreleased leases are noticed in tests.
package resource

import (
	"fmt"
	"reflect"
	"runtime"
	"runtime/pprof"
	"sync"
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"
)

// Token is a field of a tracked object, holding the cleanup handle and a leak message.
type Token struct {
	h   atomic.Pointer[runtime.Cleanup]
	msg string
}

// NewToken returns a new Token.
func NewToken() *Token {
	return new(Token)
}

// leakHandler is called with the token's message when a tracked object is collected
// without being untracked.
var leakHandler atomic.Pointer[func(string)]

func init() {
	SetLeakHandler(nil)
}

// SetLeakHandler replaces the function called for leaked objects and returns the previous one.
//
// Nil restores the default handler that reports leaks to the global zap logger at DPanic level
// (panics in development loggers, logs otherwise).
func SetLeakHandler(f func(msg string)) func(msg string) {
	if f == nil {
		f = func(msg string) {
			zap.L().DPanic(msg)
		}
	}

	prev := leakHandler.Swap(&f)
	if prev == nil {
		return nil
	}

	return *prev
}

// reportLeak is the cleanup function attached to tracked objects.
func reportLeak(t *Token) {
	(*leakHandler.Load())(t.msg)
}

// profilesM protects creation of pprof profiles.
var profilesM sync.Mutex

// profileName returns pprof profile name for the given object.
func profileName(obj any) string {
	return "sqlitekit/" + reflect.TypeOf(obj).Elem().String()
}

// Track tracks the lifetime of an object until Untrack is called on it.
//
// Obj should be a pointer to a struct with a field "token" of type *Token.
func Track[T any](obj *T, token *Token) {
	checkArgs(obj, token)

	name := profileName(obj)

	p := pprof.Lookup(name)
	if p == nil {
		profilesM.Lock()

		// a concurrent call might have created a profile already
		if p = pprof.Lookup(name); p == nil {
			p = pprof.NewProfile(name)
		}

		profilesM.Unlock()
	}

	// the profile holds the token, not obj; otherwise obj would never become unreachable
	p.Add(token, 1)

	token.msg = fmt.Sprintf("%T has not been released", obj)

	h := runtime.AddCleanup(obj, reportLeak, token)
	token.h.Store(&h)
}

// Untrack stops tracking the lifetime of an object.
//
// It is safe to call this function multiple times concurrently.
func Untrack[T any](obj *T, token *Token) {
	checkArgs(obj, token)

	if h := token.h.Swap(nil); h != nil {
		h.Stop()
	}

	if p := pprof.Lookup(profileName(obj)); p != nil {
		p.Remove(token)
	}
}

// checkArgs panics on invalid Track and Untrack arguments.
func checkArgs(obj any, token *Token) {
	if obj == nil {
		panic("obj must not be nil")
	}

	if token == nil {
		panic("token must not be nil")
	}

	v := reflect.ValueOf(obj).Elem()
	if v.Kind() != reflect.Struct {
		panic(fmt.Sprintf("obj must be a pointer to struct, got %T", obj))
	}

	f := v.FieldByName("token")
	if f.Kind() != reflect.Ptr || f.UnsafePointer() != unsafe.Pointer(token) {
		panic("token must be a pointer field of a struct")
	}
}
