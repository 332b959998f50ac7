package imap

import (
	"fmt"
	"sort"
	"time"

	"github.com/emersion/go-imap"
	sortthread "github.com/emersion/go-imap-sortthread"
	"github.com/emersion/go-imap/client"
)

// SearchSince returns the UIDs of the selected folder received on or after since,
// newest first. A zero since matches every message. Servers advertising SORT order
// the result by arrival; others are ordered by descending UID.
func SearchSince(c *client.Client, since time.Time) ([]uint32, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}

	criteria := imap.NewSearchCriteria()
	if !since.IsZero() {
		criteria.Since = since
	}

	sortClient := sortthread.NewSortClient(c)
	if ok, err := sortClient.SupportSort(); err == nil && ok {
		uids, err := sortClient.UidSort([]sortthread.SortCriterion{
			{Field: sortthread.SortArrival, Reverse: true},
		}, criteria)
		if err == nil {
			return uids, nil
		}
		// fall back to SEARCH if the server rejects the SORT
	}

	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search folder: %w", err)
	}
	sortDescending(uids)
	return uids, nil
}

// SearchAfterUID returns the UIDs greater than lastUID in ascending order.
func SearchAfterUID(c *client.Client, lastUID uint32) ([]uint32, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}

	criteria := imap.NewSearchCriteria()
	seqSet := new(imap.SeqSet)
	seqSet.AddRange(lastUID+1, 0)
	criteria.Uid = seqSet

	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search new messages: %w", err)
	}

	// "n:*" always matches the highest UID, even when it is below n
	result := make([]uint32, 0, len(uids))
	for _, uid := range uids {
		if uid > lastUID {
			result = append(result, uid)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result, nil
}

// SearchAll returns every UID of the selected folder.
func SearchAll(c *client.Client) ([]uint32, error) {
	uids, err := c.UidSearch(imap.NewSearchCriteria())
	if err != nil {
		return nil, fmt.Errorf("failed to search folder: %w", err)
	}
	return uids, nil
}

// SearchMessageID returns the UIDs of the selected folder whose Message-ID header is messageID.
func SearchMessageID(c *client.Client, messageID string) ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	criteria.Header.Add("Message-Id", messageID)

	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search by Message-ID: %w", err)
	}
	return uids, nil
}
