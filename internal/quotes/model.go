// Package quotes runs the price negotiation between a buyer and a provider.
package quotes

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Status is the negotiation state of a quote.
type Status string

const (
	StatusRequested   Status = "requested"
	StatusNegotiating Status = "negotiating"
	StatusAccepted    Status = "accepted"
	StatusDeclined    Status = "declined"
	StatusExpired     Status = "expired"
)

// PricingMode says how the base price is applied.
type PricingMode string

const (
	PricingFixed     PricingMode = "fixed"
	PricingPerPerson PricingMode = "per_person"
	PricingHourly    PricingMode = "hourly"
	PricingCustom    PricingMode = "custom"
)

const (
	maxPackageNameLength = 200
	maxNotesLength       = 4000
	maxAddOns            = 50
)

var (
	errMissingPackageName = errors.New("package name is required")
	errNegativePrice      = errors.New("prices must not be negative")
	errUnknownPricingMode = errors.New("unknown pricing mode")
	errTooManyAddOns      = fmt.Errorf("at most %d add-ons are allowed", maxAddOns)
)

// AddOn is an optional extra on top of the package.
type AddOn struct {
	Name  string `json:"name"`
	Price int64  `json:"price"`
}

// PackageDescriptor is the buyer's description of what is being quoted.
type PackageDescriptor struct {
	Name        string      `json:"name"`
	PricingMode PricingMode `json:"pricing_mode,omitempty"`
	BasePrice   int64       `json:"base_price"`
	AddOns      []AddOn     `json:"add_ons,omitempty"`
	Notes       string      `json:"notes,omitempty"`
}

// Validate checks the descriptor and returns it trimmed.
func (p PackageDescriptor) Validate() (PackageDescriptor, error) {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return PackageDescriptor{}, errMissingPackageName
	}
	if len(p.Name) > maxPackageNameLength {
		return PackageDescriptor{}, fmt.Errorf("package name exceeds %d characters", maxPackageNameLength)
	}
	switch p.PricingMode {
	case "", PricingFixed, PricingPerPerson, PricingHourly, PricingCustom:
	default:
		return PackageDescriptor{}, fmt.Errorf("%w: %q", errUnknownPricingMode, p.PricingMode)
	}
	if p.BasePrice < 0 {
		return PackageDescriptor{}, errNegativePrice
	}
	if len(p.AddOns) > maxAddOns {
		return PackageDescriptor{}, errTooManyAddOns
	}
	for index := range p.AddOns {
		p.AddOns[index].Name = strings.TrimSpace(p.AddOns[index].Name)
		if p.AddOns[index].Name == "" {
			return PackageDescriptor{}, errors.New("add-on name is required")
		}
		if p.AddOns[index].Price < 0 {
			return PackageDescriptor{}, errNegativePrice
		}
	}
	if len(p.Notes) > maxNotesLength {
		return PackageDescriptor{}, fmt.Errorf("package notes exceed %d characters", maxNotesLength)
	}
	return p, nil
}

// Quote is a price negotiation for one package inside a conversation. Version increases on
// every transition and guards concurrent mutations.
type Quote struct {
	ID                 string                                `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	Ref                string                                `gorm:"column:ref;size:32;not null;uniqueIndex:idx_quotes_ref" json:"ref"`
	BuyerID            string                                `gorm:"column:buyer_id;size:190;not null;index:idx_quotes_buyer" json:"buyer_id"`
	ProviderID         string                                `gorm:"column:provider_id;size:190;not null;index:idx_quotes_provider" json:"provider_id"`
	ConversationID     string                                `gorm:"column:conversation_id;size:190;not null;index:idx_quotes_conversation" json:"conversation_id"`
	Package            datatypes.JSONType[PackageDescriptor] `gorm:"column:package_descriptor;not null" json:"package"`
	Status             Status                                `gorm:"column:status;size:32;not null;index:idx_quotes_status" json:"status"`
	ProviderFinalPrice *int64                                `gorm:"column:provider_final_price" json:"provider_final_price"`
	ProviderMessage    *string                               `gorm:"column:provider_message;type:text" json:"provider_message"`
	Version            int64                                 `gorm:"column:version;not null;default:1" json:"version"`
	CreatedAt          time.Time                             `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt          time.Time                             `gorm:"column:updated_at;not null" json:"updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (Quote) TableName() string {
	return "quotes"
}
