package scheduler

// pageSpan is one page read from storage: its offset and the number of tasks
// still unaccounted for.
type pageSpan struct {
	offset  int
	size    int
	pending int
}

// commitTracker advances the checkpoint offset only past pages whose tasks
// are all accounted for, and only in page order. A slow task on page 2 holds
// the offset at page 2 even when pages 3 and 4 already finished, so a resume
// never skips it.
type commitTracker struct {
	pages     map[int]*pageSpan
	next      int
	offset    int
	committed int
}

func newCommitTracker(offset int) *commitTracker {
	return &commitTracker{pages: map[int]*pageSpan{}, offset: offset}
}

// open registers page with size tasks starting at offset. Pages must be
// opened in order starting at 0.
func (c *commitTracker) open(page, offset, size int) {
	c.pages[page] = &pageSpan{offset: offset, size: size, pending: size}
	if size == 0 {
		c.advance()
	}
}

// done accounts for one task of page and reports whether the committed
// offset moved.
func (c *commitTracker) done(page int) bool {
	span, ok := c.pages[page]
	if !ok || span.pending == 0 {
		return false
	}
	span.pending--
	if span.pending > 0 || page != c.next {
		return false
	}
	return c.advance()
}

func (c *commitTracker) advance() bool {
	moved := false
	for {
		span, ok := c.pages[c.next]
		if !ok || span.pending > 0 {
			return moved
		}
		c.offset = span.offset + span.size
		c.committed += span.size
		delete(c.pages, c.next)
		c.next++
		moved = true
	}
}

// Offset is the first offset not yet committed.
func (c *commitTracker) Offset() int { return c.offset }

// Committed is the number of tasks in committed pages.
func (c *commitTracker) Committed() int { return c.committed }
