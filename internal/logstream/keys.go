package logstream

import (
	"encoding/binary"
)

// Keyspace layout (byte-wise, lexicographically sortable):
//   - ns/{ns}/log/{topic}/{part_be4}/m
//   - ns/{ns}/log/{topic}/{part_be4}/e/{pos_be8}

var (
	nsPrefix   = []byte("ns/")
	logSeg     = []byte("/log/")
	metaSuffix = []byte("/m")
	entrySeg   = []byte("/e/")
)

func partitionPrefix(namespace, topic string, partition uint32) []byte {
	k := make([]byte, 0, len(namespace)+len(topic)+24)
	k = append(k, nsPrefix...)
	k = append(k, namespace...)
	k = append(k, logSeg...)
	k = append(k, topic...)
	k = append(k, '/')
	return binary.BigEndian.AppendUint32(k, partition)
}

func keyMeta(namespace, topic string, partition uint32) []byte {
	return append(partitionPrefix(namespace, topic, partition), metaSuffix...)
}

func keyEntry(namespace, topic string, partition uint32, position int64) []byte {
	k := append(partitionPrefix(namespace, topic, partition), entrySeg...)
	return binary.BigEndian.AppendUint64(k, uint64(position))
}

func positionFromKey(k []byte) int64 {
	return int64(binary.BigEndian.Uint64(k[len(k)-8:]))
}
