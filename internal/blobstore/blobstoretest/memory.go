// Package blobstoretest provides an in-memory blobstore.Store for tests.
package blobstoretest

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/Norgate-AV/compilerd/internal/blobstore"
)

// ErrInjected is returned by a Store configured to fail
var ErrInjected = errors.New("injected blobstore failure")

// Object is a stored value with the options it was written with
type Object struct {
	Data []byte
	Opts blobstore.PutOptions
}

// Store is a goroutine-safe in-memory blobstore.Store
type Store struct {
	mu      sync.Mutex
	objects map[string]Object
	puts    int
	gets    int

	FailGet bool
	FailPut bool
}

func New() *Store {
	return &Store{objects: make(map[string]Object)}
}

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gets++
	if s.FailGet {
		return nil, false, ErrInjected
	}

	obj, ok := s.objects[key]
	if !ok {
		return nil, false, nil
	}

	return slices.Clone(obj.Data), true, nil
}

func (s *Store) Put(_ context.Context, key string, data []byte, opts blobstore.PutOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.puts++
	if s.FailPut {
		return ErrInjected
	}

	s.objects[key] = Object{Data: slices.Clone(data), Opts: opts}

	return nil
}

// SetFailures toggles injected failures
func (s *Store) SetFailures(get, put bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.FailGet = get
	s.FailPut = put
}

// Objects returns a snapshot of every stored object
func (s *Store) Objects() map[string]Object {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Object, len(s.objects))
	for k, v := range s.objects {
		out[k] = v
	}

	return out
}

// Puts returns the number of Put calls, including failed ones
func (s *Store) Puts() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.puts
}

// Gets returns the number of Get calls, including failed ones
func (s *Store) Gets() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.gets
}
