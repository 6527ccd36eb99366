package badgerstore

import (
	"bytes"
)

// Key prefixes that denote the different kinds of entries in the key-value
// store.  Every key is NUL-separated:
//
//	r \0 collection \0 primary key                       -> encoded record
//	i \0 collection \0 index \0 value \0 primary key     -> empty
//	u \0 collection \0 index \0 value                    -> primary key
const (
	keyTypeRecord byte = 'r'
	keyTypeIndex  byte = 'i'
	keyTypeUnique byte = 'u'
)

func joinKey(keyType byte, parts ...string) []byte {
	b := &bytes.Buffer{}
	b.WriteByte(keyType)
	for _, p := range parts {
		b.WriteByte(0)
		b.WriteString(p)
	}
	return b.Bytes()
}

func recordKey(collection, pk string) []byte {
	return joinKey(keyTypeRecord, collection, pk)
}

func recordPrefix(collection string) []byte {
	return append(joinKey(keyTypeRecord, collection), 0)
}

func indexKey(collection, index, value, pk string) []byte {
	return joinKey(keyTypeIndex, collection, index, value, pk)
}

func indexPrefix(collection, index string) []byte {
	return append(joinKey(keyTypeIndex, collection, index), 0)
}

func uniqueKey(collection, index, value string) []byte {
	return joinKey(keyTypeUnique, collection, index, value)
}

func uniquePrefix(collection, index string) []byte {
	return append(joinKey(keyTypeUnique, collection, index), 0)
}

// splitIndexSuffix splits the part of a non-unique index key that follows
// indexPrefix into the indexed value and the primary key.
func splitIndexSuffix(suffix []byte) (value, pk string, ok bool) {
	i := bytes.LastIndexByte(suffix, 0)
	if i < 0 {
		return "", "", false
	}
	return string(suffix[:i]), string(suffix[i+1:]), true
}
