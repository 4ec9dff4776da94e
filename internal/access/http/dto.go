package accesshttp

import (
	"time"

	"github.com/odyssey-erp/boardauthz/internal/batch"
	"github.com/odyssey-erp/boardauthz/internal/delegation"
	"github.com/odyssey-erp/boardauthz/internal/directory"
	"github.com/odyssey-erp/boardauthz/internal/grants"
	"github.com/odyssey-erp/boardauthz/internal/hierarchy"
)

type capsRequest struct {
	View      bool   `json:"view"`
	Create    bool   `json:"create"`
	Edit      bool   `json:"edit"`
	Delete    bool   `json:"delete"`
	DataScope string `json:"data_scope" validate:"omitempty,oneof=own department company all"`
}

func (c capsRequest) set() grants.CapabilitySet {
	return grants.CapabilitySet{
		Capabilities: grants.Capabilities{View: c.View, Create: c.Create, Edit: c.Edit, Delete: c.Delete},
		DataScope:    grants.DataScope(c.DataScope),
	}
}

type copyRequest struct {
	TargetIDs []string `json:"target_ids" validate:"required,min=1,dive,required"`
}

type assignmentRequest struct {
	SubjectID string      `json:"subject_id" validate:"required"`
	MenuCode  string      `json:"menu_code" validate:"required"`
	Caps      capsRequest `json:"caps"`
}

type batchGrantRequest struct {
	Assignments []assignmentRequest `json:"assignments" validate:"required,min=1,max=1000,dive"`
}

func (b batchGrantRequest) assignments() []batch.Assignment {
	out := make([]batch.Assignment, len(b.Assignments))
	for i, a := range b.Assignments {
		out[i] = batch.Assignment{SubjectID: a.SubjectID, MenuCode: a.MenuCode, Caps: a.Caps.set()}
	}
	return out
}

type batchRevokeRequest struct {
	SubjectIDs []string `json:"subject_ids" validate:"required,min=1,dive,required"`
	MenuCodes  []string `json:"menu_codes" validate:"omitempty,dive,required"`
}

type batchCopyRequest struct {
	SourceID  string   `json:"source_id" validate:"required"`
	TargetIDs []string `json:"target_ids" validate:"required,min=1,dive,required"`
}

type delegationRequest struct {
	DelegatorID string      `json:"delegator_id" validate:"required"`
	DelegateID  string      `json:"delegate_id" validate:"required,nefield=DelegatorID"`
	MenuCode    string      `json:"menu_code" validate:"required"`
	Caps        capsRequest `json:"caps"`
	StartAt     *time.Time  `json:"start_at"`
	EndAt       time.Time   `json:"end_at" validate:"required"`
	Reason      string      `json:"reason" validate:"max=500"`
}

func (d delegationRequest) createRequest() delegation.CreateRequest {
	req := delegation.CreateRequest{
		DelegatorID: d.DelegatorID,
		DelegateID:  d.DelegateID,
		MenuCode:    d.MenuCode,
		Caps:        d.Caps.set(),
		EndAt:       d.EndAt,
		Reason:      d.Reason,
	}
	if d.StartAt != nil {
		req.StartAt = *d.StartAt
	}
	return req
}

type departmentRequest struct {
	ID             string  `json:"id" validate:"required"`
	ParentID       *string `json:"parent_id"`
	Name           string  `json:"name"`
	InheritEnabled *bool   `json:"inherit_enabled"`
}

type departmentSyncRequest struct {
	Departments []departmentRequest `json:"departments" validate:"required,min=1,dive"`
}

func (d departmentSyncRequest) inputs() []hierarchy.DepartmentInput {
	out := make([]hierarchy.DepartmentInput, len(d.Departments))
	for i, dept := range d.Departments {
		inherit := true
		if dept.InheritEnabled != nil {
			inherit = *dept.InheritEnabled
		}
		out[i] = hierarchy.DepartmentInput{ID: dept.ID, ParentID: dept.ParentID, Name: dept.Name, InheritEnabled: inherit}
	}
	return out
}

type subjectRequest struct {
	Name         string   `json:"name"`
	Kind         string   `json:"kind" validate:"omitempty,oneof=employee partner"`
	DepartmentID *string  `json:"department_id"`
	Roles        []string `json:"roles" validate:"dive,required"`
	Active       *bool    `json:"active"`
}

func (s subjectRequest) input(id string) directory.SubjectInput {
	active := true
	if s.Active != nil {
		active = *s.Active
	}
	return directory.SubjectInput{ID: id, Name: s.Name, Kind: s.Kind, DepartmentID: s.DepartmentID, Roles: s.Roles, Active: active}
}

type roleRequest struct {
	Name    string `json:"name"`
	Level   int    `json:"level" validate:"min=0"`
	IsAdmin bool   `json:"is_admin"`
}

type menuRequest struct {
	Name   string `json:"name"`
	Active *bool  `json:"active"`
}
