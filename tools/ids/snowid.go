package ids

import (
	"strconv"
	"sync"
	"time"
)

var epoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

// Generator produces snowflake ids: 41 bits of milliseconds since 2020-01-01,
// 10 bits of node id and 12 bits of sequence.
type Generator struct {
	mu       sync.Mutex
	nodeID   int64 // 0~1023
	seq      int64 // 0~4095
	lastTSMS int64
	now      func() int64
}

func NewGenerator(nodeID int64) *Generator {
	if nodeID < 0 || nodeID > 1023 {
		nodeID = 1
	}
	return &Generator{
		nodeID: nodeID,
		now:    func() int64 { return time.Now().UnixMilli() },
	}
}

var (
	defaultGen *Generator
	once       sync.Once
)

func initDefault() {
	once.Do(func() {
		defaultGen = NewGenerator(1)
	})
}

// Generate returns a new id from the process default generator.
func Generate() int64 {
	initDefault()
	return defaultGen.Next()
}

func GenerateString() string {
	return strconv.FormatInt(Generate(), 10)
}

// SetNodeID sets the node id (0~1023) of the default generator; call it in
// main() before any id is handed out.
func SetNodeID(nodeID int64) {
	initDefault()
	if nodeID < 0 || nodeID > 1023 {
		nodeID = 1
	}
	defaultGen.mu.Lock()
	defaultGen.nodeID = nodeID
	defaultGen.mu.Unlock()
}

func (g *Generator) NextString() string {
	return strconv.FormatInt(g.Next(), 10)
}

func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	for {
		now := g.now()
		if now < g.lastTSMS {
			// 时钟回拨，等待
			time.Sleep(time.Duration(g.lastTSMS-now) * time.Millisecond)
			continue
		}
		if now == g.lastTSMS {
			g.seq = (g.seq + 1) & 0xFFF
			if g.seq == 0 {
				// sequence exhausted, spin to the next millisecond
				for now <= g.lastTSMS {
					now = g.now()
				}
			}
		} else {
			g.seq = 0
		}
		g.lastTSMS = now

		ts := (now - epoch) & ((1 << 41) - 1)
		return (ts << 22) | (g.nodeID << 12) | g.seq
	}
}

// NodeOf extracts the node id from an id produced by Next.
func NodeOf(id int64) int64 {
	return (id >> 12) & 0x3FF
}
