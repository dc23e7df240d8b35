package httpremote

import (
	"encoding/json"
	"fmt"

	"github.com/tinylib/msgp/msgp"

	"github.com/bamsammich/stratus/internal/remote"
)

// Media types of a ledger response. Servers that cannot produce msgpack
// fall back to JSON.
const (
	contentTypeMsgpack = "application/msgpack"
	contentTypeJSON    = "application/json"
)

// ledgerEntryMsg is the wire representation of remote.LedgerEntry.
type ledgerEntryMsg struct {
	Fingerprint string `json:"fingerprint" msg:"fingerprint"`
	Size        int64  `json:"size"        msg:"size"`
	Number      int    `json:"number"      msg:"number"`
}

// ledgerMsg is the wire representation of remote.Ledger. It uses map
// encoding with string keys so that new fields can be added without
// breaking older clients.
type ledgerMsg struct {
	Confirmed      []ledgerEntryMsg `json:"confirmed"       msg:"confirmed"`
	SuggestedName  string           `json:"suggested_name"  msg:"suggested_name"`
	ExpectedSize   int64            `json:"expected_size"   msg:"expected_size"`
	UploadedSize   int64            `json:"uploaded_size"   msg:"uploaded_size"`
	ExpectedChunks int              `json:"expected_chunks" msg:"expected_chunks"`
	HeldChunks     int              `json:"held_chunks"     msg:"held_chunks"`
	FailedChunks   int              `json:"failed_chunks"   msg:"failed_chunks"`
	NameCollision  bool             `json:"name_collision"  msg:"name_collision"`
}

// MarshalMsg appends the msgpack encoding of m to b.
func (m *ledgerMsg) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendMapHeader(b, 8)
	b = msgp.AppendString(b, "confirmed")
	b = msgp.AppendArrayHeader(b, uint32(len(m.Confirmed))) //nolint:gosec // bounded by chunk count
	for _, e := range m.Confirmed {
		b = msgp.AppendMapHeader(b, 3)
		b = msgp.AppendString(b, "fingerprint")
		b = msgp.AppendString(b, e.Fingerprint)
		b = msgp.AppendString(b, "size")
		b = msgp.AppendInt64(b, e.Size)
		b = msgp.AppendString(b, "number")
		b = msgp.AppendInt(b, e.Number)
	}
	b = msgp.AppendString(b, "suggested_name")
	b = msgp.AppendString(b, m.SuggestedName)
	b = msgp.AppendString(b, "expected_size")
	b = msgp.AppendInt64(b, m.ExpectedSize)
	b = msgp.AppendString(b, "uploaded_size")
	b = msgp.AppendInt64(b, m.UploadedSize)
	b = msgp.AppendString(b, "expected_chunks")
	b = msgp.AppendInt(b, m.ExpectedChunks)
	b = msgp.AppendString(b, "held_chunks")
	b = msgp.AppendInt(b, m.HeldChunks)
	b = msgp.AppendString(b, "failed_chunks")
	b = msgp.AppendInt(b, m.FailedChunks)
	b = msgp.AppendString(b, "name_collision")
	b = msgp.AppendBool(b, m.NameCollision)
	return b, nil
}

// UnmarshalMsg decodes m from b and returns the remaining bytes. Unknown
// keys are skipped.
func (m *ledgerMsg) UnmarshalMsg(b []byte) ([]byte, error) {
	n, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return b, fmt.Errorf("ledger: %w", err)
	}
	*m = ledgerMsg{}
	for range n {
		var key []byte
		if key, b, err = msgp.ReadMapKeyZC(b); err != nil {
			return b, fmt.Errorf("ledger key: %w", err)
		}
		switch string(key) {
		case "confirmed":
			var count uint32
			if count, b, err = msgp.ReadArrayHeaderBytes(b); err != nil {
				break
			}
			m.Confirmed = make([]ledgerEntryMsg, count)
			for i := range m.Confirmed {
				if b, err = m.Confirmed[i].UnmarshalMsg(b); err != nil {
					break
				}
			}
		case "suggested_name":
			m.SuggestedName, b, err = msgp.ReadStringBytes(b)
		case "expected_size":
			m.ExpectedSize, b, err = msgp.ReadInt64Bytes(b)
		case "uploaded_size":
			m.UploadedSize, b, err = msgp.ReadInt64Bytes(b)
		case "expected_chunks":
			m.ExpectedChunks, b, err = msgp.ReadIntBytes(b)
		case "held_chunks":
			m.HeldChunks, b, err = msgp.ReadIntBytes(b)
		case "failed_chunks":
			m.FailedChunks, b, err = msgp.ReadIntBytes(b)
		case "name_collision":
			m.NameCollision, b, err = msgp.ReadBoolBytes(b)
		default:
			b, err = msgp.Skip(b)
		}
		if err != nil {
			return b, fmt.Errorf("ledger field %q: %w", key, err)
		}
	}
	return b, nil
}

// UnmarshalMsg decodes e from b and returns the remaining bytes.
func (e *ledgerEntryMsg) UnmarshalMsg(b []byte) ([]byte, error) {
	n, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return b, err
	}
	*e = ledgerEntryMsg{}
	for range n {
		var key []byte
		if key, b, err = msgp.ReadMapKeyZC(b); err != nil {
			return b, err
		}
		switch string(key) {
		case "fingerprint":
			e.Fingerprint, b, err = msgp.ReadStringBytes(b)
		case "size":
			e.Size, b, err = msgp.ReadInt64Bytes(b)
		case "number":
			e.Number, b, err = msgp.ReadIntBytes(b)
		default:
			b, err = msgp.Skip(b)
		}
		if err != nil {
			return b, err
		}
	}
	return b, nil
}

// EncodeLedger returns the msgpack body of a ledger response.
func EncodeLedger(l remote.Ledger) ([]byte, error) {
	m := ledgerToMsg(l)
	return m.MarshalMsg(nil)
}

// EncodeLedgerJSON returns the JSON body of a ledger response.
func EncodeLedgerJSON(l remote.Ledger) ([]byte, error) {
	return json.Marshal(ledgerToMsg(l))
}

func ledgerFromMsg(m ledgerMsg) remote.Ledger {
	l := remote.Ledger{
		SuggestedName:  m.SuggestedName,
		ExpectedSize:   m.ExpectedSize,
		UploadedSize:   m.UploadedSize,
		ExpectedChunks: m.ExpectedChunks,
		HeldChunks:     m.HeldChunks,
		FailedChunks:   m.FailedChunks,
		NameCollision:  m.NameCollision,
	}
	for _, e := range m.Confirmed {
		l.Confirmed = append(l.Confirmed, remote.LedgerEntry{
			Fingerprint: e.Fingerprint,
			Size:        e.Size,
			Number:      e.Number,
		})
	}
	return l
}

func ledgerToMsg(l remote.Ledger) ledgerMsg {
	m := ledgerMsg{
		SuggestedName:  l.SuggestedName,
		ExpectedSize:   l.ExpectedSize,
		UploadedSize:   l.UploadedSize,
		ExpectedChunks: l.ExpectedChunks,
		HeldChunks:     l.HeldChunks,
		FailedChunks:   l.FailedChunks,
		NameCollision:  l.NameCollision,
	}
	for _, e := range l.Confirmed {
		m.Confirmed = append(m.Confirmed, ledgerEntryMsg{
			Fingerprint: e.Fingerprint,
			Size:        e.Size,
			Number:      e.Number,
		})
	}
	return m
}

type openRequestMsg struct {
	TaskID     string `json:"task_id"`
	Account    string `json:"account"`
	DestDir    string `json:"dest_dir"`
	DestName   string `json:"dest_name"`
	Policy     string `json:"policy"`
	Token      string `json:"token,omitempty"`
	TotalSize  int64  `json:"total_size"`
	ChunkSize  int64  `json:"chunk_size"`
	ChunkCount int    `json:"chunk_count"`
}

type sessionMsg struct {
	Token      string `json:"token"`
	Endpoint   string `json:"endpoint,omitempty"`
	DestDir    string `json:"dest_dir"`
	TotalSize  int64  `json:"total_size"`
	ChunkSize  int64  `json:"chunk_size"`
	ChunkCount int    `json:"chunk_count"`
}

type chunkAckMsg struct {
	Fingerprint string `json:"fingerprint"`
	Size        int64  `json:"size"`
	Number      int    `json:"number"`
}

type finalizeRequestMsg struct {
	Name           string `json:"name"`
	Overwrite      bool   `json:"overwrite"`
	AllowDuplicate bool   `json:"allow_duplicate"`
}

type fileMsg struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	DirID string `json:"dir_id"`
	Size  int64  `json:"size"`
}

type errorMsg struct {
	Message string `json:"message"`
}
