package flowfilter

import (
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Writer publishes flow filter tables. There must be a single writer, readers never block.
type Writer struct {
	current *atomic.Pointer[Table]
}

// NewWriter starts with an empty table, which filters everything.
func NewWriter() *Writer {
	w := &Writer{current: &atomic.Pointer[Table]{}}
	w.current.Store(NewTable())
	return w
}

// Update replaces the published table. t must not be modified afterwards.
func (w *Writer) Update(t *Table) {
	w.current.Store(t)
	log.Debug().Msg("Updated flow filter table")
}

func (w *Writer) Reader() *Reader {
	return &Reader{current: w.current}
}

// Reader gives access to the latest published table.
type Reader struct {
	current *atomic.Pointer[Table]
}

func (r *Reader) Load() *Table {
	return r.current.Load()
}
