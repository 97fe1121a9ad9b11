package directory

import (
	"context"

	"accident-alert/internal/models"
)

// ContactLister 联系人来源
type ContactLister interface {
	ListActiveContacts(ctx context.Context) ([]models.Contact, error)
}

// FacilityFinder 医疗机构来源
type FacilityFinder interface {
	ListFacilities(ctx context.Context, lat, lon float64, radiusKm int) ([]models.Facility, error)
}

// Provider 组合联系人与医疗机构来源（实现 dispatcher.Directory）
type Provider struct {
	contacts   ContactLister
	facilities FacilityFinder
}

// NewProvider 创建目录
func NewProvider(contacts ContactLister, facilities FacilityFinder) *Provider {
	return &Provider{contacts: contacts, facilities: facilities}
}

// ListActiveContacts 启用的联系人
func (p *Provider) ListActiveContacts(ctx context.Context) ([]models.Contact, error) {
	if p.contacts == nil {
		return nil, nil
	}
	return p.contacts.ListActiveContacts(ctx)
}

// ListFacilities 附近医疗机构
func (p *Provider) ListFacilities(ctx context.Context, lat, lon float64, radiusKm int) ([]models.Facility, error) {
	if p.facilities == nil {
		return nil, nil
	}
	return p.facilities.ListFacilities(ctx, lat, lon, radiusKm)
}
