package models

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	id "beacon/pkg/domain"
	dErrors "beacon/pkg/domain-errors"
)

func TestNotificationValidate(t *testing.T) {
	siteID := id.SiteID(uuid.New())

	tests := []struct {
		name  string
		n     Notification
		valid bool
	}{
		{"site wide", Notification{Kind: KindRolesUpdated, SiteID: siteID}, true},
		{"user with id", Notification{Kind: KindUserUpdated, SiteID: siteID, UserID: 7}, true},
		{"user without id", Notification{Kind: KindContactDeleted, SiteID: siteID}, false},
		{"consumer without id", Notification{Kind: KindConsumerDisabled, SiteID: siteID, UserID: 7}, false},
		{"service with id", Notification{Kind: KindHostnameChanged, SiteID: siteID, ServiceID: 3}, true},
		{"service without id", Notification{Kind: KindServiceCreated, SiteID: siteID}, false},
		{"missing site", Notification{Kind: KindSiteDeleted}, false},
		{"unknown kind", Notification{Kind: "site_renamed", SiteID: siteID}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.n.Validate()
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
		})
	}
}

func TestNotificationNormalize(t *testing.T) {
	n := Notification{Kind: "  Site_Deleted "}
	n.Normalize()
	assert.Equal(t, KindSiteDeleted, n.Kind)
	assert.True(t, n.AffectsResidency())
}
