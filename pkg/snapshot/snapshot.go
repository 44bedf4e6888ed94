// Package snapshot implements the `.vecdb` archive format (C6): a
// zstd-compressed, checksum-trailed container holding one collection's
// manifest, vectors, and quantization range, written atomically via
// tmp-then-rename so a reader never observes a partial file.
//
// Grounded on the teacher's snapshot helpers in pkg/core/store.go
// (saveIndexSnapshot/loadIndexSnapshot serialize the HNSW graph
// alongside the row store), generalized from gob-over-SQLite-BLOB to
// the length-prefixed binary sections of §6, compressed with
// klauspost/compress/zstd (the pack's compression library) and written
// via google/renameio/v2 for atomic tmp+rename (§4.6).
package snapshot

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/google/renameio/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/vecdb-io/vecdb/pkg/distance"
	"github.com/vecdb-io/vecdb/pkg/index"
	"github.com/vecdb-io/vecdb/pkg/vecerr"
	"github.com/vecdb-io/vecdb/pkg/vecmodel"
)

const magic = "VDB1"

// Manifest is the collection-level metadata stored in every snapshot
// (§6: "manifest: {name, dim, metric, quantization, index_params,
// vector_count, last_applied_lsn, checksums}").
type Manifest struct {
	Name           string       `json:"name"`
	Dim            int          `json:"dim"`
	Metric         string       `json:"metric"`
	Quantization   string       `json:"quantization"`
	IndexParams    index.Params `json:"index_params"`
	VectorCount    int          `json:"vector_count"`
	LastAppliedLSN uint64       `json:"last_applied_lsn"`
	CreatedAtUnix  int64        `json:"created_at_unix"`
}

// VectorRecord is one stored vector inside a snapshot's vectors section.
type VectorRecord struct {
	ID      string
	Data    []float32
	Payload map[string]any
}

// QuantRange carries a trained scalar quantizer's per-dimension bounds
// so a reloaded collection need not re-observe every vector to requantize.
type QuantRange struct {
	Min, Max, Scale, Offset []float32
}

// Snapshot is the fully decoded contents of a `.vecdb` archive.
type Snapshot struct {
	Manifest Manifest
	Vectors  []VectorRecord
	Quant    *QuantRange
}

// Write compresses and atomically writes snap to path (§4.6: "written to
// name.vecdb.tmp and renamed on completion"). renameio handles the
// tmp-file-plus-rename dance and fsyncs both the file and its directory.
func Write(path string, snap Snapshot) error {
	var body bytes.Buffer
	if err := writeSections(&body, snap); err != nil {
		return err
	}

	hash := sha256.Sum256(body.Bytes())

	var framed bytes.Buffer
	framed.WriteString(magic)
	headerJSON, err := json.Marshal(snap.Manifest)
	if err != nil {
		return vecerr.New("snapshot.write", vecerr.Internal, "encode manifest header: %v", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(headerJSON)))
	framed.Write(lenBuf[:])
	framed.Write(headerJSON)
	framed.Write(body.Bytes())

	var trailer [8 + 32]byte
	binary.BigEndian.PutUint64(trailer[:8], uint64(framed.Len()+len(trailer)))
	copy(trailer[8:], hash[:])
	framed.Write(trailer[:])

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return vecerr.New("snapshot.write", vecerr.Internal, "create zstd encoder: %v", err)
	}
	defer enc.Close()
	compressed := enc.EncodeAll(framed.Bytes(), nil)

	if err := renameio.WriteFile(path, compressed, 0o644); err != nil {
		return vecerr.New("snapshot.write", vecerr.Unavailable, "atomic write %s: %v", path, err)
	}
	return nil
}

func writeSections(w *bytes.Buffer, snap Snapshot) error {
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(snap.Vectors)))
	w.Write(countBuf[:])
	for _, v := range snap.Vectors {
		idBytes := []byte(v.ID)
		var idLen [4]byte
		binary.BigEndian.PutUint32(idLen[:], uint32(len(idBytes)))
		w.Write(idLen[:])
		w.Write(idBytes)
		for _, f := range v.Data {
			var fb [4]byte
			binary.BigEndian.PutUint32(fb[:], math.Float32bits(f))
			w.Write(fb[:])
		}
		payloadJSON, err := json.Marshal(v.Payload)
		if err != nil {
			return vecerr.New("snapshot.write", vecerr.Internal, "encode payload for %q: %v", v.ID, err)
		}
		var pLen [4]byte
		binary.BigEndian.PutUint32(pLen[:], uint32(len(payloadJSON)))
		w.Write(pLen[:])
		w.Write(payloadJSON)
	}

	hasQuant := byte(0)
	if snap.Quant != nil {
		hasQuant = 1
	}
	w.WriteByte(hasQuant)
	if snap.Quant != nil {
		writeFloats(w, snap.Quant.Min)
		writeFloats(w, snap.Quant.Max)
		writeFloats(w, snap.Quant.Scale)
		writeFloats(w, snap.Quant.Offset)
	}
	return nil
}

func writeFloats(w *bytes.Buffer, vals []float32) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(vals)))
	w.Write(lenBuf[:])
	for _, f := range vals {
		var fb [4]byte
		binary.BigEndian.PutUint32(fb[:], math.Float32bits(f))
		w.Write(fb[:])
	}
}

// Read decompresses and validates a `.vecdb` archive, verifying the
// trailer's sha256 before trusting any section (§4.7: "newest valid
// snapshot ... whose checksums verify").
func Read(path string) (Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, vecerr.New("snapshot.read", vecerr.NotFound, "read %s: %v", path, err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return Snapshot{}, vecerr.New("snapshot.read", vecerr.Internal, "create zstd decoder: %v", err)
	}
	defer dec.Close()
	framed, err := dec.DecodeAll(raw, nil)
	if err != nil {
		return Snapshot{}, vecerr.New("snapshot.read", vecerr.DataLoss, "decompress %s: %v", path, err)
	}

	if len(framed) < len(magic)+4+8+32 || string(framed[:len(magic)]) != magic {
		return Snapshot{}, vecerr.New("snapshot.read", vecerr.DataLoss, "bad magic in %s", path)
	}

	trailer := framed[len(framed)-40:]
	body := framed[:len(framed)-40]
	wantTotal := binary.BigEndian.Uint64(trailer[:8])
	wantHash := trailer[8:]
	if wantTotal != uint64(len(framed)) {
		return Snapshot{}, vecerr.New("snapshot.read", vecerr.DataLoss, "length mismatch in %s", path)
	}
	gotHash := sha256.Sum256(body)
	if !bytes.Equal(gotHash[:], wantHash) {
		return Snapshot{}, vecerr.New("snapshot.read", vecerr.DataLoss, "checksum mismatch in %s", path)
	}

	r := bytes.NewReader(framed[len(magic):])
	var headerLen uint32
	if err := binary.Read(r, binary.BigEndian, &headerLen); err != nil {
		return Snapshot{}, vecerr.New("snapshot.read", vecerr.DataLoss, "read header length: %v", err)
	}
	headerJSON := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerJSON); err != nil {
		return Snapshot{}, vecerr.New("snapshot.read", vecerr.DataLoss, "read header: %v", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(headerJSON, &manifest); err != nil {
		return Snapshot{}, vecerr.New("snapshot.read", vecerr.DataLoss, "decode manifest: %v", err)
	}

	snap := Snapshot{Manifest: manifest}
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return Snapshot{}, vecerr.New("snapshot.read", vecerr.DataLoss, "read vector count: %v", err)
	}
	snap.Vectors = make([]VectorRecord, 0, count)
	for i := uint32(0); i < count; i++ {
		var idLen uint32
		if err := binary.Read(r, binary.BigEndian, &idLen); err != nil {
			return Snapshot{}, vecerr.New("snapshot.read", vecerr.DataLoss, "read id length: %v", err)
		}
		idBytes := make([]byte, idLen)
		if _, err := io.ReadFull(r, idBytes); err != nil {
			return Snapshot{}, vecerr.New("snapshot.read", vecerr.DataLoss, "read id: %v", err)
		}
		data := make([]float32, manifest.Dim)
		for d := 0; d < manifest.Dim; d++ {
			var bits uint32
			if err := binary.Read(r, binary.BigEndian, &bits); err != nil {
				return Snapshot{}, vecerr.New("snapshot.read", vecerr.DataLoss, "read vector data: %v", err)
			}
			data[d] = math.Float32frombits(bits)
		}
		var pLen uint32
		if err := binary.Read(r, binary.BigEndian, &pLen); err != nil {
			return Snapshot{}, vecerr.New("snapshot.read", vecerr.DataLoss, "read payload length: %v", err)
		}
		payloadJSON := make([]byte, pLen)
		if _, err := io.ReadFull(r, payloadJSON); err != nil {
			return Snapshot{}, vecerr.New("snapshot.read", vecerr.DataLoss, "read payload: %v", err)
		}
		var payload map[string]any
		if len(payloadJSON) > 0 {
			if err := json.Unmarshal(payloadJSON, &payload); err != nil {
				return Snapshot{}, vecerr.New("snapshot.read", vecerr.DataLoss, "decode payload: %v", err)
			}
		}
		snap.Vectors = append(snap.Vectors, VectorRecord{ID: string(idBytes), Data: data, Payload: payload})
	}

	hasQuant, err := r.ReadByte()
	if err != nil {
		return Snapshot{}, vecerr.New("snapshot.read", vecerr.DataLoss, "read quant flag: %v", err)
	}
	if hasQuant == 1 {
		q := &QuantRange{}
		q.Min = readFloats(r)
		q.Max = readFloats(r)
		q.Scale = readFloats(r)
		q.Offset = readFloats(r)
		snap.Quant = q
	}

	return snap, nil
}

func readFloats(r *bytes.Reader) []float32 {
	var n uint32
	_ = binary.Read(r, binary.BigEndian, &n)
	out := make([]float32, n)
	for i := range out {
		var bits uint32
		_ = binary.Read(r, binary.BigEndian, &bits)
		out[i] = math.Float32frombits(bits)
	}
	return out
}

// ToQuantizer rehydrates a trained ScalarQuantizer from its stored range,
// so a recovered collection can requantize without re-observing data.
func (q *QuantRange) ToQuantizer(dim int) (*distance.ScalarQuantizer, error) {
	sq, err := distance.LoadRange(dim, q.Min, q.Max, q.Scale, q.Offset)
	if err != nil {
		return nil, fmt.Errorf("snapshot: load quantizer range: %w", err)
	}
	return sq, nil
}

// ToVectors converts the snapshot's records into the collection's
// in-memory vector model, used by recovery (C7) to repopulate a
// collection before WAL replay continues from last_applied_lsn.
func (s Snapshot) ToVectors() []*vecmodel.Vector {
	out := make([]*vecmodel.Vector, 0, len(s.Vectors))
	for _, v := range s.Vectors {
		out = append(out, &vecmodel.Vector{ID: v.ID, Data: v.Data, Payload: v.Payload})
	}
	return out
}
