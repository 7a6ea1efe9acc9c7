package model

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// An FQID ("fully qualified id") is the canonical string identity of an
// instance: "collection/id", e.g. "motion/42". Ids are dense positive
// integers assigned by the datastore's reservation endpoint.

var collectionPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// FQID joins a collection and id into the canonical fingerprint string.
func FQID(collection string, id int) string {
	return collection + "/" + strconv.Itoa(id)
}

// SplitFQID splits a fingerprint into collection and id.
func SplitFQID(fqid string) (collection string, id int, err error) {
	idx := strings.IndexByte(fqid, '/')
	if idx <= 0 || idx == len(fqid)-1 {
		return "", 0, fmt.Errorf("invalid fqid %q", fqid)
	}
	collection = fqid[:idx]
	if !collectionPattern.MatchString(collection) {
		return "", 0, fmt.Errorf("invalid fqid %q: bad collection", fqid)
	}
	rest := fqid[idx+1:]
	if rest[0] == '0' {
		return "", 0, fmt.Errorf("invalid fqid %q: bad id", fqid)
	}
	id, err = strconv.Atoi(rest)
	if err != nil || id <= 0 {
		return "", 0, fmt.Errorf("invalid fqid %q: bad id", fqid)
	}
	return collection, id, nil
}

// CollectionOf returns the collection part of a fingerprint, or "" when the
// fingerprint is malformed.
func CollectionOf(fqid string) string {
	collection, _, err := SplitFQID(fqid)
	if err != nil {
		return ""
	}
	return collection
}

// ValidFQID reports whether s is a well-formed fingerprint.
func ValidFQID(s string) bool {
	_, _, err := SplitFQID(s)
	return err == nil
}
