package engine

// RecordBatch is one window yielded by the splitter: a run of records and
// the batch index they belong to.
type RecordBatch struct {
	Records    []Record
	BatchIndex int
}

// Splitter groups a sequence of records into fixed-size batches, starting
// numbering at a resumable batch index (spec §4.3).
type Splitter struct {
	batchSize  int
	nextIndex  int
	buf        []Record
}

// NewSplitter builds a Splitter. batchSize must be >= 1.
func NewSplitter(batchSize, startIndex int) (*Splitter, error) {
	if batchSize < 1 {
		return nil, NewConfigError("batchSize must be >= 1, got %d", batchSize)
	}
	return &Splitter{
		batchSize: batchSize,
		nextIndex: startIndex,
		buf:       make([]Record, 0, batchSize),
	}, nil
}

// Push appends a record to the current buffer. When the buffer reaches
// batchSize it returns a RecordBatch ready to dispatch and a true ok; the
// caller should then keep pushing. If the buffer isn't yet full, ok is
// false and ready is the zero value.
func (s *Splitter) Push(rec Record) (ready RecordBatch, ok bool) {
	s.buf = append(s.buf, rec)
	if len(s.buf) < s.batchSize {
		return RecordBatch{}, false
	}
	return s.flush(), true
}

// Flush returns any buffered tail as a final RecordBatch. ok is false if
// nothing was buffered.
func (s *Splitter) Flush() (ready RecordBatch, ok bool) {
	if len(s.buf) == 0 {
		return RecordBatch{}, false
	}
	return s.flush(), true
}

func (s *Splitter) flush() RecordBatch {
	batch := RecordBatch{Records: s.buf, BatchIndex: s.nextIndex}
	s.nextIndex++
	s.buf = make([]Record, 0, s.batchSize)
	return batch
}
