package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/kilnlabs/kiln/pkg/types"
)

var (
	// Bucket names
	bucketJobs        = []byte("jobs")
	bucketJobHistory  = []byte("job_history")
	bucketPrinters    = []byte("printers")
	bucketCheckpoints = []byte("checkpoints")
	bucketAudit       = []byte("audit")
	bucketMaterials   = []byte("materials")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "kiln.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketJobs,
			bucketJobHistory,
			bucketPrinters,
			bucketCheckpoints,
			bucketAudit,
			bucketMaterials,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// timeKey builds a lexically sortable key so bucket iteration order is
// chronological.
func timeKey(t time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%020d_%s", t.UnixNano(), id))
}

// Job operations
func (s *BoltStore) CreateJob(job *types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return b.Put([]byte(job.ID), data)
	})
}

func (s *BoltStore) GetJob(id string) (*types.Job, error) {
	var job types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(id))
		if data == nil {
			return types.NewError(types.CodeJobNotFound, "job not found: %s", id)
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltStore) ListJobs() ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		return b.ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	return jobs, err
}

func (s *BoltStore) UpdateJob(job *types.Job) error {
	return s.CreateJob(job) // Same as create (upsert)
}

func (s *BoltStore) DeleteJob(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		return b.Delete([]byte(id))
	})
}

// Job history operations
func (s *BoltStore) AppendJobHistory(job *types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobHistory)
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		ts := job.CompletedAt
		if ts.IsZero() {
			ts = time.Now()
		}
		return b.Put(timeKey(ts, job.ID), data)
	})
}

func (s *BoltStore) ListJobHistory(limit int) ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketJobHistory).Cursor()
		// Newest first
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			jobs = append(jobs, &job)
			if limit > 0 && len(jobs) >= limit {
				return nil
			}
		}
		return nil
	})
	return jobs, err
}

// Printer operations
func (s *BoltStore) CreatePrinter(printer *types.PrinterRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPrinters)
		data, err := json.Marshal(printer)
		if err != nil {
			return err
		}
		return b.Put([]byte(printer.ID), data)
	})
}

func (s *BoltStore) GetPrinter(id string) (*types.PrinterRecord, error) {
	var printer types.PrinterRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPrinters)
		data := b.Get([]byte(id))
		if data == nil {
			return types.NewError(types.CodeNotFound, "printer not found: %s", id)
		}
		return json.Unmarshal(data, &printer)
	})
	if err != nil {
		return nil, err
	}
	return &printer, nil
}

func (s *BoltStore) ListPrinters() ([]*types.PrinterRecord, error) {
	var printers []*types.PrinterRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPrinters)
		return b.ForEach(func(k, v []byte) error {
			var printer types.PrinterRecord
			if err := json.Unmarshal(v, &printer); err != nil {
				return err
			}
			printers = append(printers, &printer)
			return nil
		})
	})
	return printers, err
}

func (s *BoltStore) UpdatePrinter(printer *types.PrinterRecord) error {
	return s.CreatePrinter(printer)
}

func (s *BoltStore) DeletePrinter(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPrinters)
		return b.Delete([]byte(id))
	})
}

// Checkpoint operations
func (s *BoltStore) SaveCheckpoint(cp *types.Checkpoint) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCheckpoints)
		data, err := json.Marshal(cp)
		if err != nil {
			return err
		}
		return b.Put(timeKey(cp.Timestamp, cp.ID), data)
	})
}

func (s *BoltStore) ListCheckpoints(jobID string) ([]*types.Checkpoint, error) {
	var checkpoints []*types.Checkpoint
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCheckpoints)
		return b.ForEach(func(k, v []byte) error {
			var cp types.Checkpoint
			if err := json.Unmarshal(v, &cp); err != nil {
				return err
			}
			if cp.JobID == jobID {
				checkpoints = append(checkpoints, &cp)
			}
			return nil
		})
	})
	return checkpoints, err
}

func (s *BoltStore) LatestCheckpoint(jobID string) (*types.Checkpoint, error) {
	var latest *types.Checkpoint
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCheckpoints).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var cp types.Checkpoint
			if err := json.Unmarshal(v, &cp); err != nil {
				return err
			}
			if cp.JobID == jobID {
				latest = &cp
				return nil
			}
		}
		return nil
	})
	return latest, err
}

// Audit operations
func (s *BoltStore) AppendAudit(entry *types.AuditEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put(timeKey(entry.Timestamp, entry.ID), data)
	})
}

func (s *BoltStore) ListAudit(limit int) ([]*types.AuditEntry, error) {
	var entries []*types.AuditEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAudit).Cursor()
		// Newest first
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var entry types.AuditEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, &entry)
			if limit > 0 && len(entries) >= limit {
				return nil
			}
		}
		return nil
	})
	return entries, err
}

// Material operations
func (s *BoltStore) SetMaterial(material *types.Material) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMaterials)
		data, err := json.Marshal(material)
		if err != nil {
			return err
		}
		return b.Put([]byte(material.PrinterID), data)
	})
}

func (s *BoltStore) GetMaterial(printerID string) (*types.Material, error) {
	var material *types.Material
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMaterials)
		data := b.Get([]byte(printerID))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &material)
	})
	return material, err
}

func (s *BoltStore) DeleteMaterial(printerID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMaterials)
		return b.Delete([]byte(printerID))
	})
}
