// Package session implements the session cache (§4.J) and its backing
// data model (§3 Session): the identity of one desktop workspace — a
// project directory, a task description under active edit, and the
// included/excluded file sets a workflow stage should operate over.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// ErrSessionNotFound is returned when a session id has no cache entry and
// no repository row.
var ErrSessionNotFound = errors.New("session: not found")

// Session is the authoritative workspace identity (§3). IncludedFiles and
// ExcludedFiles are disjoint by construction — every mutation path in
// this package removes a path from one set before adding it to the other.
type Session struct {
	ID               string
	DisplayName      string
	ProjectDirectory string
	ProjectHash      string
	TaskDescription  string
	MergeInstructions string

	IncludedFiles map[string]struct{}
	ExcludedFiles map[string]struct{}

	Revision       int64
	LastModifiedAt time.Time
	LastFlushedAt  time.Time
	DirtyFields    bool
	DirtyFiles     bool
}

// ComputeProjectHash returns the hex SHA-256 digest of a project
// directory path, stored as Session.ProjectHash. No query in this package
// looks sessions up by it.
func ComputeProjectHash(projectDirectory string) string {
	sum := sha256.Sum256([]byte(projectDirectory))
	return hex.EncodeToString(sum[:])
}

// New returns a freshly created Session with empty file sets and
// revision 0, as produced by the user-initiated creation path (§3).
func New(id, displayName, projectDirectory string) *Session {
	now := time.Now()
	return &Session{
		ID:               id,
		DisplayName:      displayName,
		ProjectDirectory: projectDirectory,
		ProjectHash:      ComputeProjectHash(projectDirectory),
		IncludedFiles:    make(map[string]struct{}),
		ExcludedFiles:    make(map[string]struct{}),
		LastModifiedAt:   now,
	}
}

// clone returns a deep copy safe to hand to a caller outside the cache
// lock (snapshots per §4.J get_session).
func (s *Session) clone() *Session {
	cp := *s
	cp.IncludedFiles = make(map[string]struct{}, len(s.IncludedFiles))
	for k := range s.IncludedFiles {
		cp.IncludedFiles[k] = struct{}{}
	}
	cp.ExcludedFiles = make(map[string]struct{}, len(s.ExcludedFiles))
	for k := range s.ExcludedFiles {
		cp.ExcludedFiles[k] = struct{}{}
	}
	return &cp
}

func fileSet(paths []string) map[string]struct{} {
	m := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		m[p] = struct{}{}
	}
	return m
}

func setEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
