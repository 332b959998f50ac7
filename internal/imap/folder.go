package imap

import (
	"fmt"
	"sort"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/vdavid/mailsync/internal/models"
)

// RFC 6154 special-use attributes.
var specialUseRoles = map[string]string{
	`\Sent`:    models.RoleSent,
	`\Trash`:   models.RoleTrash,
	`\Drafts`:  models.RoleDrafts,
	`\Junk`:    models.RoleJunk,
	`\Archive`: models.RoleArchive,
	`\All`:     models.RoleAll,
	`\Flagged`: models.RoleFlagged,
}

// Name heuristics for servers without SPECIAL-USE.
var folderNameRoles = map[string]string{
	"inbox":             models.RoleInbox,
	"sent":              models.RoleSent,
	"sent messages":     models.RoleSent,
	"sent items":        models.RoleSent,
	"[gmail]/sent mail": models.RoleSent,
	"trash":             models.RoleTrash,
	"deleted":           models.RoleTrash,
	"deleted items":     models.RoleTrash,
	"deleted messages":  models.RoleTrash,
	"bin":               models.RoleTrash,
	"corbeille":         models.RoleTrash,
	"[gmail]/trash":     models.RoleTrash,
	"drafts":            models.RoleDrafts,
	"draft":             models.RoleDrafts,
	"draftbox":          models.RoleDrafts,
	"brouillons":        models.RoleDrafts,
	"[gmail]/drafts":    models.RoleDrafts,
	"junk":              models.RoleJunk,
	"spam":              models.RoleJunk,
	"junk e-mail":       models.RoleJunk,
	"[gmail]/spam":      models.RoleJunk,
	"archive":           models.RoleArchive,
	"archives":          models.RoleArchive,
	"[gmail]/all mail":  models.RoleArchive,
}

// Sort order of system folders in listings; user folders follow alphabetically.
var roleOrder = map[string]int{
	models.RoleInbox:   0,
	models.RoleDrafts:  1,
	models.RoleSent:    2,
	models.RoleArchive: 3,
	models.RoleAll:     4,
	models.RoleFlagged: 5,
	models.RoleJunk:    6,
	models.RoleTrash:   7,
}

// DetectRole returns the role of a folder from its attributes, falling back to its name.
func DetectRole(name string, attributes []string) string {
	for _, attr := range attributes {
		for special, role := range specialUseRoles {
			if strings.EqualFold(attr, special) {
				return role
			}
		}
	}
	return folderNameRoles[strings.ToLower(name)]
}

// ListFolders lists all folders on the IMAP server as labels of accountID.
// The folder name is the label id.
func ListFolders(c *client.Client, accountID string) ([]*models.Label, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}

	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)

	go func() {
		done <- c.List("", "*", mailboxes)
	}()

	var folders []*models.Label
	for m := range mailboxes {
		folders = append(folders, folderLabel(accountID, m))
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}

	sort.SliceStable(folders, func(i, j int) bool {
		oi, iSystem := roleOrder[folders[i].Role]
		oj, jSystem := roleOrder[folders[j].Role]
		if iSystem != jSystem {
			return iSystem
		}
		if iSystem && oi != oj {
			return oi < oj
		}
		return folders[i].Name < folders[j].Name
	})
	for i, f := range folders {
		f.SortOrder = i
	}

	return folders, nil
}

func folderLabel(accountID string, m *imap.MailboxInfo) *models.Label {
	label := &models.Label{
		AccountID: accountID,
		ID:        m.Name,
		Name:      m.Name,
		Type:      models.LabelUser,
		Role:      DetectRole(m.Name, m.Attributes),
	}
	if label.Role != "" {
		label.Type = models.LabelSystem
	}

	if m.Delimiter != "" {
		if i := strings.LastIndex(m.Name, m.Delimiter); i > 0 {
			label.ParentID = m.Name[:i]
			label.Name = m.Name[i+len(m.Delimiter):]
		}
	}

	for _, attr := range m.Attributes {
		if strings.EqualFold(attr, imap.NoSelectAttr) || strings.EqualFold(attr, `\NonExistent`) {
			label.NoSelect = true
		}
	}

	return label
}

// folderByRole returns the name of the first folder with role, or "".
func folderByRole(folders []*models.Label, role string) string {
	for _, f := range folders {
		if f.Role == role && !f.NoSelect {
			return f.ID
		}
	}
	return ""
}
