package store

import (
	"crypto/rand"
	"sync"
	"time"
)

// pushChars is ordered by ASCII value so that lexicographic comparison of
// generated IDs matches generation order.
const pushChars = "-0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ_abcdefghijklmnopqrstuvwxyz"

// pushIDGen produces chronological push keys: 8 characters encoding the
// millisecond timestamp followed by 12 random characters. Keys generated in
// the same millisecond reuse the previous random suffix incremented by one,
// which keeps them strictly increasing even under bursts.
type pushIDGen struct {
	mu       sync.Mutex
	lastMs   int64
	lastRand [12]byte
	now      func() time.Time
}

func newPushIDGen(now func() time.Time) *pushIDGen {
	return &pushIDGen{now: now}
}

func (g *pushIDGen) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().UnixMilli()
	if ms != g.lastMs {
		g.lastMs = ms
		var buf [12]byte
		if _, err := rand.Read(buf[:]); err != nil {
			// crypto/rand failing is not recoverable here; fall back to the
			// timestamp so the key is still unique per millisecond.
			for i := range buf {
				buf[i] = byte(ms >> (i % 8) & 63)
			}
		}
		for i := range buf {
			g.lastRand[i] = buf[i] % 64
		}
	} else {
		// Same millisecond: increment the suffix with carry.
		for i := 11; i >= 0; i-- {
			g.lastRand[i]++
			if g.lastRand[i] < 64 {
				break
			}
			g.lastRand[i] = 0
		}
	}

	var id [20]byte
	for i := 7; i >= 0; i-- {
		id[i] = pushChars[ms%64]
		ms /= 64
	}
	for i, c := range g.lastRand {
		id[8+i] = pushChars[c]
	}
	return string(id[:])
}
