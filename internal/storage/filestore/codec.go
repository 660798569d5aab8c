package filestore

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/giovanniandreuzza/nimbus/internal/download"
)

// Wire layout, protobuf encoding:
//
//	Store  { repeated Entry entries = 1; }
//	Entry  { string key = 1; Record record = 2; }
//	Record { string id = 1; string file_name = 2; string file_url = 3; string file_path = 4;
//	         sint64 file_size = 5; State state = 6; int64 version = 7; int64 updated_at_unix_nano = 8; }
//	State  { oneof { Empty enqueued = 1; Progress downloading = 2; Progress paused = 3;
//	         Failure failed = 4; Empty finished = 5; } }
//	Progress { double progress = 1; }
//	Failure  { string code = 1; string message = 2; }
//
// Unknown fields are skipped.

const (
	storeEntries protowire.Number = 1

	entryKey    protowire.Number = 1
	entryRecord protowire.Number = 2

	recordID        protowire.Number = 1
	recordFileName  protowire.Number = 2
	recordFileURL   protowire.Number = 3
	recordFilePath  protowire.Number = 4
	recordFileSize  protowire.Number = 5
	recordState     protowire.Number = 6
	recordVersion   protowire.Number = 7
	recordUpdatedAt protowire.Number = 8

	stateEnqueued    protowire.Number = 1
	stateDownloading protowire.Number = 2
	statePaused      protowire.Number = 3
	stateFailed      protowire.Number = 4
	stateFinished    protowire.Number = 5

	progressValue protowire.Number = 1

	failureCode    protowire.Number = 1
	failureMessage protowire.Number = 2
)

var errMissingState = errors.New("record has no state")

func encodeStore(tasks map[download.ID]*download.Task) []byte {
	ids := make([]string, 0, len(tasks))
	for id := range tasks {
		ids = append(ids, string(id))
	}

	sort.Strings(ids)

	var b []byte

	for _, id := range ids {
		var entry []byte
		entry = protowire.AppendTag(entry, entryKey, protowire.BytesType)
		entry = protowire.AppendString(entry, id)
		entry = protowire.AppendTag(entry, entryRecord, protowire.BytesType)
		entry = protowire.AppendBytes(entry, encodeRecord(tasks[download.ID(id)]))

		b = protowire.AppendTag(b, storeEntries, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}

	return b
}

func encodeRecord(t *download.Task) []byte {
	var b []byte
	b = appendString(b, recordID, string(t.ID))
	b = appendString(b, recordFileName, t.FileName)
	b = appendString(b, recordFileURL, t.FileURL)
	b = appendString(b, recordFilePath, t.FilePath)
	b = protowire.AppendTag(b, recordFileSize, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(t.FileSize))
	b = protowire.AppendTag(b, recordState, protowire.BytesType)
	b = protowire.AppendBytes(b, encodeState(t.State))
	b = protowire.AppendTag(b, recordVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(t.Version))

	if !t.UpdatedAt.IsZero() {
		b = protowire.AppendTag(b, recordUpdatedAt, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(t.UpdatedAt.UnixNano()))
	}

	return b
}

func encodeState(s download.State) []byte {
	var (
		num  protowire.Number
		body []byte
	)

	switch s.Kind {
	case download.KindEnqueued:
		num = stateEnqueued
	case download.KindDownloading:
		num, body = stateDownloading, encodeProgress(s.Progress)
	case download.KindPaused:
		num, body = statePaused, encodeProgress(s.Progress)
	case download.KindFailed:
		num = stateFailed
		body = appendString(body, failureCode, s.ErrorCode)
		body = appendString(body, failureMessage, s.ErrorMessage)
	case download.KindFinished:
		num = stateFinished
	default:
		panic(fmt.Sprintf("filestore: unhandled state %v", s.Kind))
	}

	b := protowire.AppendTag(nil, num, protowire.BytesType)

	return protowire.AppendBytes(b, body)
}

func encodeProgress(p float64) []byte {
	b := protowire.AppendTag(nil, progressValue, protowire.Fixed64Type)

	return protowire.AppendFixed64(b, math.Float64bits(p))
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}

	b = protowire.AppendTag(b, num, protowire.BytesType)

	return protowire.AppendString(b, v)
}

func decodeStore(b []byte) (map[download.ID]*download.Task, error) {
	tasks := make(map[download.ID]*download.Task)

	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != storeEntries || typ != protowire.BytesType {
			return 0, nil
		}

		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}

		key, task, err := decodeEntry(v)
		if err != nil {
			return 0, err
		}

		tasks[key] = task

		return n, nil
	})
	if err != nil {
		return nil, err
	}

	return tasks, nil
}

func decodeEntry(b []byte) (download.ID, *download.Task, error) {
	var (
		key  download.ID
		task *download.Task
	)

	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return 0, nil
		}

		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}

		switch num {
		case entryKey:
			key = download.ID(v)
		case entryRecord:
			t, err := decodeRecord(v)
			if err != nil {
				return 0, err
			}

			task = t
		default:
			return 0, nil
		}

		return n, nil
	})
	if err != nil {
		return "", nil, err
	}

	if task == nil {
		return "", nil, fmt.Errorf("entry %q has no record", key)
	}

	if key == "" {
		key = task.ID
	}

	if task.ID == "" {
		task.ID = key
	}

	return key, task, nil
}

func decodeRecord(b []byte) (*download.Task, error) {
	t := &download.Task{FileSize: download.UnknownSize}
	hasState := false

	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return n, nil
			}

			switch num {
			case recordFileSize:
				t.FileSize = protowire.DecodeZigZag(v)
			case recordVersion:
				t.Version = int64(v)
			case recordUpdatedAt:
				t.UpdatedAt = time.Unix(0, int64(v)).UTC()
			default:
				return 0, nil
			}

			return n, nil
		case typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}

			switch num {
			case recordID:
				t.ID = download.ID(v)
			case recordFileName:
				t.FileName = string(v)
			case recordFileURL:
				t.FileURL = string(v)
			case recordFilePath:
				t.FilePath = string(v)
			case recordState:
				s, err := decodeState(v)
				if err != nil {
					return 0, err
				}

				t.State, hasState = s, true
			default:
				return 0, nil
			}

			return n, nil
		default:
			return 0, nil
		}
	})
	if err != nil {
		return nil, err
	}

	if !hasState {
		return nil, errMissingState
	}

	return t, nil
}

func decodeState(b []byte) (download.State, error) {
	var (
		s     download.State
		found bool
	)

	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return 0, nil
		}

		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}

		switch num {
		case stateEnqueued:
			s = download.Enqueued()
		case stateDownloading:
			s = download.Downloading(decodeProgress(v))
		case statePaused:
			s = download.Paused(decodeProgress(v))
		case stateFailed:
			code, msg := decodeFailure(v)
			s = download.Failed(code, msg)
		case stateFinished:
			s = download.Finished()
		default:
			return 0, nil
		}

		found = true

		return n, nil
	})
	if err != nil {
		return download.State{}, err
	}

	if !found {
		return download.State{}, errMissingState
	}

	return s, nil
}

func decodeProgress(b []byte) float64 {
	var p float64

	_ = walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != progressValue || typ != protowire.Fixed64Type {
			return 0, nil
		}

		v, n := protowire.ConsumeFixed64(b)
		if n >= 0 {
			p = math.Float64frombits(v)
		}

		return n, nil
	})

	return p
}

func decodeFailure(b []byte) (code, message string) {
	_ = walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return 0, nil
		}

		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}

		switch num {
		case failureCode:
			code = string(v)
		case failureMessage:
			message = string(v)
		default:
			return 0, nil
		}

		return n, nil
	})

	return code, message
}

// walk iterates over the fields of a message. fn returns the number of bytes
// of the field value it consumed, 0 to skip the field, or a negative protowire
// error code.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}

		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}

		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}

		if m < 0 {
			return protowire.ParseError(m)
		}

		b = b[m:]
	}

	return nil
}
