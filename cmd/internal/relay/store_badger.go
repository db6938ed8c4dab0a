package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"roomrelay/cmd/identity/ids"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore is an embedded Store on BadgerDB.
//
// Keys:
//   - "head:{len}:{room}" holds the room's last seq and timestamp.
//   - "msg:{len}:{room}:{seq padded to 20 digits}" holds one message; the padding keeps keys in seq order.
//
// The length prefix keeps rooms containing ':' from sharing a key prefix.
type BadgerStore struct {
	db  *badger.DB
	log *slog.Logger

	// Badger transactions are optimistic; appends are serialized to avoid conflict retries.
	mu sync.Mutex
}

type badgerHead struct {
	Seq  int64 `json:"seq"`
	Last int64 `json:"last"`
}

type badgerRecord struct {
	ID          string `json:"id"`
	Seq         int64  `json:"seq"`
	Sender      string `json:"sender"`
	DisplayName string `json:"display_name"`
	Body        string `json:"body"`
	At          int64  `json:"at"`
}

// OpenBadgerStore opens a BadgerDB at dir. An empty dir or ":memory:" opens an in-memory database.
func OpenBadgerStore(dir string, log *slog.Logger) (*BadgerStore, error) {
	if log == nil {
		log = slog.Default()
	}
	dir = strings.TrimSpace(dir)

	opts := badger.DefaultOptions(dir)
	if dir == "" || dir == ":memory:" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLogger(badgerLogger{log: log.With("component", "badger")})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db, log: log}, nil
}

func badgerRoomKey(kind, room string) string {
	return fmt.Sprintf("%s:%d:%s", kind, len(room), room)
}

func badgerMsgPrefix(room string) []byte {
	return []byte(badgerRoomKey("msg", room) + ":")
}

func badgerMsgKey(room string, seq int64) []byte {
	return []byte(fmt.Sprintf("%s:%020d", badgerRoomKey("msg", room), seq))
}

// Close closes the database.
func (s *BadgerStore) Close() error { return s.db.Close() }

// Ping reports an error once the database was closed.
func (s *BadgerStore) Ping(context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger: closed")
	}
	return nil
}

// Append writes the message and advances the room head in one transaction.
func (s *BadgerStore) Append(ctx context.Context, in AppendInput) (Message, error) {
	if err := in.validate(); err != nil {
		return Message{}, fmt.Errorf("badger store: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var msg Message
	err := s.db.Update(func(txn *badger.Txn) error {
		headKey := []byte(badgerRoomKey("head", in.Room))

		var head badgerHead
		item, err := txn.Get(headKey)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &head) }); err != nil {
				return err
			}
		}

		ts := monotonic(time.Now().UTC(), time.Unix(0, head.Last).UTC())
		id, err := ids.NewULID(ts)
		if err != nil {
			return err
		}
		head.Seq++
		head.Last = ts.UnixNano()

		rec, err := json.Marshal(badgerRecord{
			ID:          id,
			Seq:         head.Seq,
			Sender:      in.Sender,
			DisplayName: in.DisplayName,
			Body:        in.Body,
			At:          head.Last,
		})
		if err != nil {
			return err
		}
		hb, err := json.Marshal(head)
		if err != nil {
			return err
		}
		if err := txn.Set(badgerMsgKey(in.Room, head.Seq), rec); err != nil {
			return err
		}
		if err := txn.Set(headKey, hb); err != nil {
			return err
		}

		msg = Message{
			ID:          id,
			Room:        in.Room,
			Seq:         head.Seq,
			Sender:      in.Sender,
			DisplayName: in.DisplayName,
			Body:        in.Body,
			Timestamp:   ts,
		}
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Recent scans the room prefix backwards from the newest key and returns the result oldest first.
func (s *BadgerStore) Recent(ctx context.Context, room string, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)
	prefix := badgerMsgPrefix(room)

	out := make([]Message, 0, limit)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte(nil), prefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(out) < limit; it.Next() {
			var rec badgerRecord
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &rec) }); err != nil {
				return err
			}
			out = append(out, Message{
				ID:          rec.ID,
				Room:        room,
				Seq:         rec.Seq,
				Sender:      rec.Sender,
				DisplayName: rec.DisplayName,
				Body:        rec.Body,
				Timestamp:   time.Unix(0, rec.At).UTC(),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// badgerLogger routes badger's printf-style logging into slog.
type badgerLogger struct{ log *slog.Logger }

func (l badgerLogger) Errorf(f string, v ...any) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (l badgerLogger) Warningf(f string, v ...any) {
	l.log.Warn(strings.TrimSpace(fmt.Sprintf(f, v...)))
}

// Infof is demoted: badger reports every compaction and replay at info.
func (l badgerLogger) Infof(f string, v ...any) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (l badgerLogger) Debugf(f string, v ...any) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(f, v...)))
}
