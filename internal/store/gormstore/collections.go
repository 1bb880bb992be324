package gormstore

import (
	"encoding/json"
	"fmt"

	identitydomain "github.com/crestdata/crest/internal/identity/domain"
	platformdomain "github.com/crestdata/crest/internal/platform/domain"
	tenantdomain "github.com/crestdata/crest/internal/tenant/domain"
	"gorm.io/gorm"
)

// Users maps the user collection onto the users table.
type Users struct{ db *gorm.DB }

func NewUsers(db *gorm.DB) *Users { return &Users{db: db} }

func (u *Users) Load() ([]identitydomain.User, error) {
	var rows []userRow
	if err := u.db.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}
	out := make([]identitydomain.User, 0, len(rows))
	for _, row := range rows {
		var doc identitydomain.UserRecord
		if err := json.Unmarshal(row.Document, &doc); err != nil {
			return nil, fmt.Errorf("decode user %d: %w", row.ID, err)
		}
		out = append(out, doc.ToUser())
	}
	return out, nil
}

func (u *Users) Save(users []identitydomain.User) error {
	rows := make([]userRow, 0, len(users))
	for i := range users {
		rec := users[i].Record()
		doc, err := encode(&rec)
		if err != nil {
			return fmt.Errorf("encode user %s: %w", users[i].Username, err)
		}
		rows = append(rows, userRow{
			ID:        int64(users[i].ID),
			Document:  doc,
			UpdatedAt: users[i].UpdatedAt,
		})
	}
	return replaceAll(u.db, rows)
}

// Companies maps the company collection onto the companies table.
type Companies struct{ db *gorm.DB }

func NewCompanies(db *gorm.DB) *Companies { return &Companies{db: db} }

func (c *Companies) Load() ([]tenantdomain.Company, error) {
	var rows []companyRow
	if err := c.db.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load companies: %w", err)
	}
	out := make([]tenantdomain.Company, 0, len(rows))
	for _, row := range rows {
		var company tenantdomain.Company
		if err := json.Unmarshal(row.Document, &company); err != nil {
			return nil, fmt.Errorf("decode company %d: %w", row.ID, err)
		}
		out = append(out, company)
	}
	return out, nil
}

func (c *Companies) Save(companies []tenantdomain.Company) error {
	rows := make([]companyRow, 0, len(companies))
	for i := range companies {
		doc, err := encode(&companies[i])
		if err != nil {
			return fmt.Errorf("encode company %s: %w", companies[i].Slug, err)
		}
		rows = append(rows, companyRow{
			ID:        int64(companies[i].ID),
			Slug:      companies[i].Slug,
			Document:  doc,
			UpdatedAt: companies[i].UpdatedAt,
		})
	}
	return replaceAll(c.db, rows)
}

// Memberships maps membership links onto the memberships table.
type Memberships struct{ db *gorm.DB }

func NewMemberships(db *gorm.DB) *Memberships { return &Memberships{db: db} }

func (m *Memberships) Load() ([]tenantdomain.Membership, error) {
	var rows []membershipRow
	if err := m.db.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load memberships: %w", err)
	}
	out := make([]tenantdomain.Membership, 0, len(rows))
	for _, row := range rows {
		var member tenantdomain.Membership
		if err := json.Unmarshal(row.Document, &member); err != nil {
			return nil, fmt.Errorf("decode membership %d: %w", row.ID, err)
		}
		out = append(out, member)
	}
	return out, nil
}

func (m *Memberships) Save(members []tenantdomain.Membership) error {
	rows := make([]membershipRow, 0, len(members))
	for i := range members {
		doc, err := encode(&members[i])
		if err != nil {
			return fmt.Errorf("encode membership: %w", err)
		}
		rows = append(rows, membershipRow{
			ID:        int64(members[i].ID),
			CompanyID: int64(members[i].CompanyID),
			UserID:    int64(members[i].UserID),
			Document:  doc,
			UpdatedAt: members[i].JoinedAt,
		})
	}
	return replaceAll(m.db, rows)
}

// Invitations maps invitations onto the invitations table.
type Invitations struct{ db *gorm.DB }

func NewInvitations(db *gorm.DB) *Invitations { return &Invitations{db: db} }

func (i *Invitations) Load() ([]tenantdomain.Invitation, error) {
	var rows []invitationRow
	if err := i.db.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load invitations: %w", err)
	}
	out := make([]tenantdomain.Invitation, 0, len(rows))
	for _, row := range rows {
		var invite tenantdomain.Invitation
		if err := json.Unmarshal(row.Document, &invite); err != nil {
			return nil, fmt.Errorf("decode invitation %d: %w", row.ID, err)
		}
		out = append(out, invite)
	}
	return out, nil
}

func (i *Invitations) Save(invites []tenantdomain.Invitation) error {
	rows := make([]invitationRow, 0, len(invites))
	for j := range invites {
		doc, err := encode(&invites[j])
		if err != nil {
			return fmt.Errorf("encode invitation: %w", err)
		}
		rows = append(rows, invitationRow{
			ID:        int64(invites[j].ID),
			CompanyID: int64(invites[j].CompanyID),
			Document:  doc,
			UpdatedAt: invites[j].CreatedAt,
		})
	}
	return replaceAll(i.db, rows)
}

// Settings holds the single global settings row.
type Settings struct{ db *gorm.DB }

func NewSettings(db *gorm.DB) *Settings { return &Settings{db: db} }

func (s *Settings) Load() (platformdomain.GlobalSettings, bool, error) {
	var rows []settingsRow
	if err := s.db.Limit(1).Find(&rows).Error; err != nil {
		return platformdomain.GlobalSettings{}, false, fmt.Errorf("load settings: %w", err)
	}
	if len(rows) == 0 {
		return platformdomain.GlobalSettings{}, false, nil
	}
	var settings platformdomain.GlobalSettings
	if err := json.Unmarshal(rows[0].Document, &settings); err != nil {
		return platformdomain.GlobalSettings{}, false, fmt.Errorf("decode settings: %w", err)
	}
	return settings, true, nil
}

func (s *Settings) Save(settings platformdomain.GlobalSettings) error {
	doc, err := encode(&settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	return replaceAll(s.db, []settingsRow{{
		ID:        1,
		Document:  doc,
		UpdatedAt: settings.UpdatedAt,
	}})
}
