// Package catalog — read-only каталог, способы оплаты и часы работы заведений из YAML-фикстуры.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"

	"github.com/vladislavdragonenkov/orderengine/internal/domain"
)

//go:embed testdata/demo.yaml
var demoFixture []byte

// File — корневой документ фикстуры.
type File struct {
	Products       []ProductEntry         `yaml:"products"`
	Modifiers      []domain.ModifierItem  `yaml:"modifiers"`
	Seasons        []domain.Season        `yaml:"seasons"`
	Gifts          []domain.Gift          `yaml:"gifts"`
	PaymentMethods []domain.PaymentMethod `yaml:"payment_methods"`
	Places         []PlaceEntry           `yaml:"places"`
}

// ProductEntry — товар вместе с ценовыми вариантами.
type ProductEntry struct {
	domain.Product `yaml:",inline"`
	Tiers          []domain.PriceTier `yaml:"tiers"`
}

// PlaceEntry — расписание заведения. Закрытие раньше открытия означает работу через полночь.
type PlaceEntry struct {
	ID         string `yaml:"id"`
	Timezone   string `yaml:"timezone"`
	OpenAt     string `yaml:"open_at"`
	CloseAt    string `yaml:"close_at"`
	AlwaysOpen bool   `yaml:"always_open"`
}

// LoadFile читает фикстуру с диска; пустой путь означает встроенную демо-фикстуру.
func LoadFile(path string) (*File, error) {
	if strings.TrimSpace(path) == "" {
		return Parse(demoFixture)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog fixture %s: %w", path, err)
	}
	return Parse(data)
}

// Parse разбирает YAML и проверяет ссылочную целостность.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog YAML: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) validate() error {
	seen := make(map[string]struct{}, len(f.Products))
	for _, p := range f.Products {
		if p.ID == "" {
			return fmt.Errorf("catalog fixture: product without id")
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("catalog fixture: duplicate product %q", p.ID)
		}
		seen[p.ID] = struct{}{}
		for _, tier := range p.Tiers {
			if tier.Price < 0 {
				return fmt.Errorf("catalog fixture: product %q tier %q has negative price", p.ID, tier.ID)
			}
		}
	}
	for _, m := range f.Modifiers {
		if m.Price < 0 {
			return fmt.Errorf("catalog fixture: modifier %q has negative price", m.ID)
		}
	}
	for _, s := range f.Seasons {
		if s.Price < 0 {
			return fmt.Errorf("catalog fixture: season %q has negative price", s.ID)
		}
	}
	for _, place := range f.Places {
		if place.ID == "" {
			return fmt.Errorf("catalog fixture: place without id")
		}
		if place.AlwaysOpen {
			continue
		}
		if _, err := parseClock(place.OpenAt); err != nil {
			return fmt.Errorf("catalog fixture: place %q open_at: %w", place.ID, err)
		}
		if _, err := parseClock(place.CloseAt); err != nil {
			return fmt.Errorf("catalog fixture: place %q close_at: %w", place.ID, err)
		}
		if place.Timezone != "" {
			if _, err := time.LoadLocation(place.Timezone); err != nil {
				return fmt.Errorf("catalog fixture: place %q timezone: %w", place.ID, err)
			}
		}
	}
	return nil
}

// parseClock разбирает "HH:MM" в смещение от начала суток.
func parseClock(value string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q, expected HH:MM", value)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}
