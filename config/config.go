package config

import (
	"math/rand"
	"time"
)

var Version string

// Used so that we can generate fixed timestamps in tests
var Clock TimestampGenerator = RealTimestampGenerator{}

type TimestampGenerator interface {
	GetTimestampUTC() int64
}

type RealTimestampGenerator struct{}

func (t RealTimestampGenerator) GetTimestampUTC() int64 {
	return time.Now().Unix()
}

type FixedTimestampGenerator struct {
	Timestamp int64
}

func (t FixedTimestampGenerator) GetTimestampUTC() int64 {
	return t.Timestamp
}

var r = rand.New(rand.NewSource(time.Now().UnixNano()))

func RandomTrailer(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyz0123456789"

	res := make([]byte, length)
	for i := 0; i < length; i++ {
		res[i] = charset[r.Intn(len(charset))]
	}
	return string(res)
}
