package zookeeperstore_test

import (
	"sync"

	"github.com/go-zookeeper/zk"
)

type znode struct {
	data    []byte
	version int32
	owner   int64
}

// ensemble is an in-memory stand-in for a ZooKeeper ensemble holding flat,
// top-level znodes. Ephemeral nodes belong to the session that created them.
type ensemble struct {
	mu       sync.Mutex
	nodes    map[string]*znode
	sessions int64
}

func newEnsemble() *ensemble {
	return &ensemble{nodes: make(map[string]*znode)}
}

// connect opens a new session.
func (e *ensemble) connect() *session {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.sessions++

	return &session{ensemble: e, id: e.sessions}
}

func (e *ensemble) node(path string) (*znode, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	n, ok := e.nodes[path]

	return n, ok
}

type session struct {
	ensemble *ensemble
	id       int64
}

// Close ends the session, removing its ephemeral nodes.
func (s *session) Close() {
	s.ensemble.mu.Lock()
	defer s.ensemble.mu.Unlock()

	for path, n := range s.ensemble.nodes {
		if n.owner == s.id {
			delete(s.ensemble.nodes, path)
		}
	}
}

func (s *session) Create(path string, data []byte, flags int32, _ []zk.ACL) (string, error) {
	s.ensemble.mu.Lock()
	defer s.ensemble.mu.Unlock()

	if _, ok := s.ensemble.nodes[path]; ok {
		return "", zk.ErrNodeExists
	}

	n := &znode{data: data}
	if flags&zk.FlagEphemeral != 0 {
		n.owner = s.id
	}
	s.ensemble.nodes[path] = n

	return path, nil
}

func (s *session) Get(path string) ([]byte, *zk.Stat, error) {
	s.ensemble.mu.Lock()
	defer s.ensemble.mu.Unlock()

	n, ok := s.ensemble.nodes[path]
	if !ok {
		return nil, nil, zk.ErrNoNode
	}

	return n.data, &zk.Stat{Version: n.version, EphemeralOwner: n.owner}, nil
}

func (s *session) Set(path string, data []byte, version int32) (*zk.Stat, error) {
	s.ensemble.mu.Lock()
	defer s.ensemble.mu.Unlock()

	n, ok := s.ensemble.nodes[path]
	if !ok {
		return nil, zk.ErrNoNode
	}

	if n.version != version {
		return nil, zk.ErrBadVersion
	}
	n.data = data
	n.version++

	return &zk.Stat{Version: n.version, EphemeralOwner: n.owner}, nil
}

func (s *session) ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error) {
	_, ok := s.ensemble.node(path)

	return ok, nil, make(chan zk.Event), nil
}

// racingSession runs before ahead of its first Set, standing in for another
// process that writes between this one's read and its write.
type racingSession struct {
	*session
	before func()
}

func (r *racingSession) Set(path string, data []byte, version int32) (*zk.Stat, error) {
	if f := r.before; f != nil {
		r.before = nil
		f()
	}

	return r.session.Set(path, data, version)
}
