package protocol

// Records is a batch of encoded envelopes. Batching lets a transport write
// a whole queue with one writev(); net.Buffers(recs) does the conversion.
type Records [][]byte

func (recs Records) TotalLen() (total int64) {
	for _, r := range recs {
		total += int64(len(r))
	}
	return
}
