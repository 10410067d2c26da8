package auditproof

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

const hashSize = 32

var errEmptyTree = errors.New("no leaves")

// ProofStep is one sibling on an inclusion path, hex encoded for transport.
// Left reports whether the sibling sits to the left of the running hash.
type ProofStep struct {
	Sibling string `json:"sibling"`
	Left    bool   `json:"left"`
}

// RootHex computes the batch root over hex-encoded leaf hashes. Levels pair
// nodes left to right; a trailing odd node is promoted unchanged to the next
// level, never duplicated.
func RootHex(leafHexes []string) (string, error) {
	level, err := decodeLeaves(leafHexes)
	if err != nil {
		return "", err
	}
	for len(level) > 1 {
		level = nextLevel(level)
	}
	return hex.EncodeToString(level[0]), nil
}

// InclusionProof builds the sibling path for one leaf. A promoted odd node
// consumes no sibling at its level, so paths may be shorter than
// ceil(log2(n)).
func InclusionProof(leafHexes []string, leafIndex int) ([]ProofStep, error) {
	level, err := decodeLeaves(leafHexes)
	if err != nil {
		return nil, err
	}
	if leafIndex < 0 || leafIndex >= len(level) {
		return nil, fmt.Errorf("leaf index %d out of range", leafIndex)
	}

	path := make([]ProofStep, 0)
	index := leafIndex
	for len(level) > 1 {
		odd := len(level)%2 == 1
		next := nextLevel(level)
		switch {
		case odd && index == len(level)-1:
			index = len(next) - 1
		case index%2 == 0:
			path = append(path, ProofStep{Sibling: hex.EncodeToString(level[index+1])})
			index /= 2
		default:
			path = append(path, ProofStep{Sibling: hex.EncodeToString(level[index-1]), Left: true})
			index /= 2
		}
		level = next
	}
	return path, nil
}

// VerifyInclusion replays a proof path from a leaf hash and compares the
// outcome with the expected root.
func VerifyInclusion(leafHex string, path []ProofStep, rootHex string) (bool, error) {
	hash, err := decodeHash(leafHex)
	if err != nil {
		return false, fmt.Errorf("leaf: %w", err)
	}
	root, err := decodeHash(rootHex)
	if err != nil {
		return false, fmt.Errorf("root: %w", err)
	}
	for i, step := range path {
		sibling, err := decodeHash(step.Sibling)
		if err != nil {
			return false, fmt.Errorf("path step %d: %w", i, err)
		}
		if step.Left {
			hash = nodeHash(sibling, hash)
		} else {
			hash = nodeHash(hash, sibling)
		}
	}
	return string(hash) == string(root), nil
}

func nodeHash(left, right []byte) []byte {
	hasher := sha256.New()
	hasher.Write(left)
	hasher.Write(right)
	return hasher.Sum(nil)
}

func nextLevel(level [][]byte) [][]byte {
	next := make([][]byte, 0, (len(level)+1)/2)
	for i := 0; i+1 < len(level); i += 2 {
		next = append(next, nodeHash(level[i], level[i+1]))
	}
	if len(level)%2 == 1 {
		next = append(next, level[len(level)-1])
	}
	return next
}

func decodeLeaves(leafHexes []string) ([][]byte, error) {
	if len(leafHexes) == 0 {
		return nil, errEmptyTree
	}
	out := make([][]byte, len(leafHexes))
	for i, leafHex := range leafHexes {
		decoded, err := decodeHash(leafHex)
		if err != nil {
			return nil, fmt.Errorf("leaf %d: %w", i, err)
		}
		out[i] = decoded
	}
	return out, nil
}

func decodeHash(value string) ([]byte, error) {
	decoded, err := hex.DecodeString(value)
	if err != nil {
		return nil, err
	}
	if len(decoded) != hashSize {
		return nil, fmt.Errorf("hash is %d bytes, want %d", len(decoded), hashSize)
	}
	return decoded, nil
}
