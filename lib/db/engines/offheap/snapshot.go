package offheap

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"

	"github.com/ValentinKolb/rKV/lib/db"
	"github.com/ValentinKolb/rKV/lib/db/interop"
	"github.com/ValentinKolb/rKV/lib/db/segment"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// --------------------------------------------------------------------------
// Save & Load
// --------------------------------------------------------------------------

// Snapshot layout:
//
//	magic | version u8 | replica id u8 | incarnation [16]byte
//	{ len u32 | record }*   (record encoding of interop.AppendRecord)
//	0 u32
const (
	snapshotMagic   = "RKVSNAP\x00"
	snapshotVersion = 1
	maxRecordSize   = 64 << 20
)

// Save writes all entries, tombstones included, with their metadata. Each segment is
// copied under its read lock and written after the lock is released.
func (d *offHeapDB) Save(w io.Writer) error {
	bw := bufio.NewWriterSize(w, 1024*1024) // 1 MB buffer

	if _, err := bw.WriteString(snapshotMagic); err != nil {
		return err
	}
	inc := d.Incarnation()
	hdr := append([]byte{snapshotVersion, d.ReplicaID()}, inc[:]...)
	if _, err := bw.Write(hdr); err != nil {
		return err
	}

	var (
		ctx     = context.Background()
		records []*db.Record
		buf     []byte
	)
	for _, seg := range d.segments {
		g, err := seg.Lock().Read(ctx)
		if err != nil {
			return errors.Wrapf(err, "save segment %d", seg.Index())
		}
		seg.Range(func(_ uint32, e segment.Entry, err error) bool {
			if err != nil {
				log.Warningf("save skips entry: %v", err)
				return true
			}
			records = append(records, e.Record())
			return true
		})
		_ = g.Release()

		for _, rec := range records {
			buf = binary.BigEndian.AppendUint32(buf[:0], uint32(interop.RecordSize(rec)))
			buf = interop.AppendRecord(buf, rec)
			if _, err := bw.Write(buf); err != nil {
				return err
			}
		}
		records = records[:0]
	}

	if err := binary.Write(bw, binary.BigEndian, uint32(0)); err != nil {
		return err
	}
	return bw.Flush()
}

// Load merges a snapshot into the map. Every record goes through ApplyRemote, so
// loading never replaces newer entries and loading twice changes nothing.
func (d *offHeapDB) Load(r io.Reader) error {
	br := bufio.NewReaderSize(r, 1024*1024)

	magic := make([]byte, len(snapshotMagic)+2+16)
	if _, err := io.ReadFull(br, magic); err != nil {
		return errors.Wrap(err, "read snapshot header")
	}
	if string(magic[:len(snapshotMagic)]) != snapshotMagic {
		return errors.Wrap(db.ErrCorruptEntry, "not an rKV snapshot (bad magic)")
	}
	if v := magic[len(snapshotMagic)]; v != snapshotVersion {
		return errors.Wrapf(db.ErrCorruptEntry, "unsupported snapshot version %d", v)
	}
	origin := magic[len(snapshotMagic)+1]
	inc, _ := uuid.FromBytes(magic[len(snapshotMagic)+2:])

	var (
		ctx     = context.Background()
		lenBuf  [4]byte
		buf     []byte
		applied int
		total   int
	)
	for {
		if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
			return errors.Wrap(err, "read snapshot record length")
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n == 0 {
			break
		}
		if n > maxRecordSize {
			return errors.Wrapf(db.ErrCorruptEntry, "snapshot record of %d bytes", n)
		}

		if cap(buf) < int(n) {
			buf = make([]byte, n)
		}
		buf = buf[:n]
		if _, err := io.ReadFull(br, buf); err != nil {
			return errors.Wrap(err, "read snapshot record")
		}

		rec, err := interop.DecodeRecord(buf)
		if err != nil {
			return err
		}
		ok, err := d.ApplyRemote(ctx, *rec)
		if err != nil {
			return errors.Wrapf(err, "load record %d", total)
		}
		total++
		if ok {
			applied++
		}
	}

	log.Infof("loaded snapshot of replica %d (incarnation %s): %d records, %d applied", origin, inc, total, applied)
	return nil
}
