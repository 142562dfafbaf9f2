package runner

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strconv"
)

// Fingerprint summarises a stage's version and, recursively, the fingerprints
// of its declared dependencies in declaration order. Bumping the version of any
// upstream stage therefore changes every downstream fingerprint.
//
// Results are memoized for the registry's lifetime; versions are fixed at
// registration so the memo never goes stale.
func (r *Registry) Fingerprint(s Stage) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fingerprintLocked(s, make(map[string]bool))
}

func (r *Registry) fingerprintLocked(s Stage, visiting map[string]bool) (string, error) {
	if err := r.checkLocked("", s); err != nil {
		return "", err
	}
	name := s.Name()
	if fp, ok := r.fps[name]; ok {
		return fp, nil
	}
	if visiting[name] {
		return "", &DependencyError{Stage: name, Reason: "cyclic dependency"}
	}
	visiting[name] = true
	defer delete(visiting, name)

	parts := []string{versionTag(s.Version())}
	for _, d := range s.Dependencies() {
		if err := r.checkLocked(name, d); err != nil {
			return "", err
		}
		fp, err := r.fingerprintLocked(d, visiting)
		if err != nil {
			return "", err
		}
		parts = append(parts, fp)
	}
	fp := hashParts(parts...)
	r.fps[name] = fp
	return fp, nil
}

// identity is the content address of one cached call.
func identity(name string, version int, args []byte, fingerprint string) string {
	return hashParts(name, versionTag(version), string(args), fingerprint)
}

func versionTag(v int) string { return "v" + strconv.Itoa(v) }

// hashParts length-prefixes every component so ("ab","c") and ("a","bc") differ.
func hashParts(parts ...string) string {
	h := sha256.New()
	var n [8]byte
	for _, p := range parts {
		binary.BigEndian.PutUint64(n[:], uint64(len(p)))
		h.Write(n[:])
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}
