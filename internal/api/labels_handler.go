package api

import (
	"net/http"
	"sort"

	"github.com/vdavid/mailsync/internal/models"
	"go.uber.org/zap"
)

// LabelsHandler lists the labels and folders of an account.
type LabelsHandler struct {
	store  Store
	logger *zap.Logger
}

// rolePriority orders system folders the way mail clients show them.
var rolePriority = map[string]int{
	models.RoleInbox:   0,
	models.RoleFlagged: 1,
	models.RoleDrafts:  2,
	models.RoleSent:    3,
	models.RoleArchive: 4,
	models.RoleAll:     5,
	models.RoleJunk:    6,
	models.RoleTrash:   7,
}

// sortLabels puts labels with a role first, in rolePriority order, then the rest by name.
func sortLabels(labels []*models.Label) {
	sort.SliceStable(labels, func(i, j int) bool {
		pi, iHasRole := rolePriority[labels[i].Role]
		pj, jHasRole := rolePriority[labels[j].Role]
		if iHasRole != jHasRole {
			return iHasRole
		}
		if iHasRole && pi != pj {
			return pi < pj
		}
		return labels[i].Name < labels[j].Name
	})
}

func (h *LabelsHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := r.PathValue("id")
	if _, err := h.store.GetAccount(ctx, accountID); err != nil {
		writeError(w, h.logger, err)
		return
	}

	labels, err := h.store.GetLabelsForAccount(ctx, accountID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if labels == nil {
		labels = []*models.Label{}
	}
	sortLabels(labels)
	writeJSON(w, h.logger, http.StatusOK, labels)
}
