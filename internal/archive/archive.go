package archive

import (
	"encoding/binary"
	"encoding/json"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/betbot/perpsim/internal/events"
)

var log = logrus.WithField("component", "archive")

// Journal 追加式事件档案（badger）。每次运行写独立目录，
// 只做事后分析用，不参与任何状态恢复。
type Journal struct {
	db  *badger.DB
	mu  sync.Mutex
	seq uint64
	wg  sync.WaitGroup
}

// envelope 落盘格式
type envelope struct {
	Seq  uint64          `json:"seq"`
	TS   uint64          `json:"ts"`
	Type events.Type     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Open 打开（或创建）档案目录
func Open(dir string) (*Journal, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Journal{db: db}, nil
}

// Run 启动消费 goroutine
func (j *Journal) Run(sub *events.Subscription) {
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		for ev := range sub.C {
			j.write(ev)
		}
	}()
}

func (j *Journal) write(ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Warnf("事件序列化失败: %v", err)
		return
	}

	j.mu.Lock()
	j.seq++
	seq := j.seq
	j.mu.Unlock()

	entry := envelope{Seq: seq, TS: ev.At(), Type: ev.EventType(), Data: data}
	value, err := json.Marshal(entry)
	if err != nil {
		return
	}

	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	if err := j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	}); err != nil {
		log.Warnf("事件落盘失败 seq=%d: %v", seq, err)
	}
}

// Count 已写入的事件数（测试与收尾统计）
func (j *Journal) Count() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Close 等消费者退出并关库
func (j *Journal) Close() error {
	j.wg.Wait()
	return j.db.Close()
}
