package imap

import (
	"fmt"
	"io"
	"sort"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// fetchBatchSize is the number of full messages requested per UID FETCH.
const fetchBatchSize = 50

var fullSection = &imap.BodySectionName{Peek: true}

// FetchFullMessages fetches flags, dates, size and the raw RFC 5322 body of uids in the
// selected folder. The result keeps the order of uids; UIDs the server did not return
// are missing from it.
func FetchFullMessages(c *client.Client, uids []uint32) ([]*imap.Message, error) {
	items := []imap.FetchItem{
		imap.FetchUid,
		imap.FetchFlags,
		imap.FetchInternalDate,
		imap.FetchRFC822Size,
		fullSection.FetchItem(),
	}
	msgs, err := uidFetch(c, uids, items)
	if err != nil {
		return nil, err
	}

	byUID := make(map[uint32]*imap.Message, len(msgs))
	for _, m := range msgs {
		byUID[m.Uid] = m
	}
	ordered := make([]*imap.Message, 0, len(msgs))
	for _, uid := range uids {
		if m, ok := byUID[uid]; ok {
			ordered = append(ordered, m)
		}
	}
	return ordered, nil
}

// FetchFlags fetches UID and FLAGS for every message in 1:lastUID.
func FetchFlags(c *client.Client, lastUID uint32) ([]*imap.Message, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}
	if lastUID == 0 {
		return nil, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddRange(1, lastUID)

	return collectFetch(c, seqSet, []imap.FetchItem{imap.FetchUid, imap.FetchFlags})
}

// FetchEnvelopes fetches UID and ENVELOPE of uids.
func FetchEnvelopes(c *client.Client, uids []uint32) ([]*imap.Message, error) {
	return uidFetch(c, uids, []imap.FetchItem{imap.FetchUid, imap.FetchEnvelope})
}

func uidFetch(c *client.Client, uids []uint32, items []imap.FetchItem) ([]*imap.Message, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}

	if len(uids) == 0 {
		return []*imap.Message{}, nil
	}

	seqSet := new(imap.SeqSet)
	for _, uid := range uids {
		seqSet.AddNum(uid)
	}

	return collectFetch(c, seqSet, items)
}

func collectFetch(c *client.Client, seqSet *imap.SeqSet, items []imap.FetchItem) ([]*imap.Message, error) {
	messages := make(chan *imap.Message, 16)
	done := make(chan error, 1)

	go func() {
		done <- c.UidFetch(seqSet, items, messages)
	}()

	var result []*imap.Message
	for msg := range messages {
		result = append(result, msg)
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	return result, nil
}

// rawBody returns the BODY[] literal of a message fetched by FetchFullMessages.
func rawBody(m *imap.Message) ([]byte, error) {
	lit := m.GetBody(fullSection)
	if lit == nil {
		for _, l := range m.Body {
			lit = l
			break
		}
	}
	if lit == nil {
		return nil, fmt.Errorf("server returned no body for UID %d", m.Uid)
	}
	return io.ReadAll(lit)
}

// chunk splits uids into slices of at most size elements.
func chunk(uids []uint32, size int) [][]uint32 {
	var chunks [][]uint32
	for len(uids) > size {
		chunks = append(chunks, uids[:size])
		uids = uids[size:]
	}
	if len(uids) > 0 {
		chunks = append(chunks, uids)
	}
	return chunks
}

func sortDescending(uids []uint32) {
	sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })
}

func hasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if f == flag {
			return true
		}
	}
	return false
}
