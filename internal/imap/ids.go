package imap

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// folderCursorPrefix prefixes the cursor object type of each folder.
const folderCursorPrefix = "folder:"

// MessageID builds the cache id of the message with uid in folder.
func MessageID(accountID, folder string, uid uint32) string {
	return fmt.Sprintf("imap-%s-%s-%d", accountID, folder, uid)
}

// ParseMessageID splits a cache id built by MessageID. Folder names may contain '-',
// so the UID is taken from the last segment.
func ParseMessageID(accountID, id string) (folder string, uid uint32, err error) {
	prefix := "imap-" + accountID + "-"
	if !strings.HasPrefix(id, prefix) {
		return "", 0, fmt.Errorf("message id %q does not belong to account %s", id, accountID)
	}
	rest := id[len(prefix):]

	i := strings.LastIndexByte(rest, '-')
	if i <= 0 {
		return "", 0, fmt.Errorf("malformed message id %q", id)
	}
	n, err := strconv.ParseUint(rest[i+1:], 10, 32)
	if err != nil || n == 0 {
		return "", 0, fmt.Errorf("malformed uid in message id %q", id)
	}
	return rest[:i], uint32(n), nil
}

// folderCursor is the delta position of one folder.
type folderCursor struct {
	UIDValidity uint32 `json:"uidValidity"`
	LastUID     uint32 `json:"lastUid"`
}

func cursorKey(folder string) string {
	return folderCursorPrefix + folder
}

func (c folderCursor) encode() string {
	data, _ := json.Marshal(c)
	return string(data)
}

func decodeCursor(state string) (folderCursor, error) {
	var c folderCursor
	if err := json.Unmarshal([]byte(state), &c); err != nil {
		return c, fmt.Errorf("invalid folder cursor %q: %w", state, err)
	}
	return c, nil
}

// groupByFolder parses ids and groups their UIDs per folder, preserving first-seen folder order.
func groupByFolder(accountID string, ids []string) ([]string, map[string][]uint32, error) {
	var order []string
	groups := make(map[string][]uint32)
	for _, id := range ids {
		folder, uid, err := ParseMessageID(accountID, id)
		if err != nil {
			return nil, nil, err
		}
		if _, ok := groups[folder]; !ok {
			order = append(order, folder)
		}
		groups[folder] = append(groups[folder], uid)
	}
	return order, groups, nil
}
