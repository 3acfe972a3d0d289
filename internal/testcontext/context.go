// Package testcontext bundles a context, an error group and a temporary
// directory for tests.
package testcontext

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

const defaultTimeout = 3 * time.Minute

// Context is a test context with a deadline, goroutine tracking and a
// lazily created temporary directory.
type Context struct {
	context.Context

	group  *errgroup.Group
	test   testing.TB
	cancel context.CancelFunc

	once      sync.Once
	directory string
}

// New creates a test context with the default timeout.
func New(test testing.TB) *Context {
	parent, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	group, ctx := errgroup.WithContext(parent)
	return &Context{
		Context: ctx,
		group:   group,
		test:    test,
		cancel:  cancel,
	}
}

// Go runs fn in a goroutine tracked by the context; Cleanup checks its
// result.
func (ctx *Context) Go(fn func() error) {
	ctx.test.Helper()
	ctx.group.Go(fn)
}

// Check calls fn and fails the test on error.
func (ctx *Context) Check(fn func() error) {
	ctx.test.Helper()
	if err := fn(); err != nil {
		ctx.test.Fatal(err)
	}
}

// Dir returns a subdirectory path inside the test's temporary
// directory, creating it as needed.
func (ctx *Context) Dir(subs ...string) string {
	ctx.test.Helper()

	ctx.once.Do(func() {
		var err error
		ctx.directory, err = os.MkdirTemp("", sanitize(ctx.test.Name()))
		if err != nil {
			ctx.test.Fatal(err)
		}
	})

	dir := filepath.Join(append([]string{ctx.directory}, subs...)...)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		ctx.test.Fatal(err)
	}
	return dir
}

// File returns a file path inside the test's temporary directory,
// creating the parent directories as needed.
func (ctx *Context) File(subs ...string) string {
	ctx.test.Helper()
	if len(subs) == 0 {
		ctx.test.Fatal("expected at least one path element")
	}
	dir := ctx.Dir(subs[:len(subs)-1]...)
	return filepath.Join(dir, subs[len(subs)-1])
}

// Wait blocks until every tracked goroutine has returned and fails the
// test on error. Cleanup waits as well; Wait is for tests that need to
// assert state after the goroutines finished.
func (ctx *Context) Wait() {
	ctx.test.Helper()
	if err := ctx.group.Wait(); err != nil {
		ctx.test.Fatal(err)
	}
}

// Cleanup waits for tracked goroutines, checks their errors and removes
// the temporary directory.
func (ctx *Context) Cleanup() {
	ctx.test.Helper()

	defer ctx.cancel()
	defer func() {
		if ctx.directory != "" {
			if err := os.RemoveAll(ctx.directory); err != nil {
				ctx.test.Fatal(err)
			}
		}
	}()
	if err := ctx.group.Wait(); err != nil {
		ctx.test.Fatal(err)
	}
}

func sanitize(name string) string {
	out := []rune(name)
	for i, r := range out {
		switch r {
		case '/', '\\', ':', ' ':
			out[i] = '-'
		}
	}
	return string(out)
}
