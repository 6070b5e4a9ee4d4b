package common

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"widget-credits-go/internal/models"
	"widget-credits-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

type PackageConfig struct {
	Id        int64  `yaml:"id"`
	Name      string `yaml:"name"`
	Credits   int64  `yaml:"credits"`
	PriceUsdt string `yaml:"price_usdt"`
	Active    *bool  `yaml:"active"`
}

type PackagesConfig struct {
	Packages []PackageConfig `yaml:"packages"`
}

func LoadPackageConfig(packagesFile string) ([]models.CreditPackage, error) {
	var packagesPath string
	if filepath.IsAbs(packagesFile) {
		packagesPath = packagesFile
	} else {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		packagesPath = filepath.Join(wd, packagesFile)
	}

	data, err := os.ReadFile(packagesPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read %s: %w", packagesFile, err)
	}

	return ParsePackageConfig(data)
}

func ParsePackageConfig(data []byte) ([]models.CreditPackage, error) {
	var config PackagesConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("unable to parse packages: %w", err)
	}
	if len(config.Packages) == 0 {
		return nil, fmt.Errorf("no packages defined")
	}

	seen := make(map[int64]bool, len(config.Packages))
	packages := make([]models.CreditPackage, 0, len(config.Packages))
	for i, p := range config.Packages {
		if p.Id <= 0 {
			return nil, fmt.Errorf("package at index %d missing positive id", i)
		}
		if seen[p.Id] {
			return nil, fmt.Errorf("duplicate package id %d", p.Id)
		}
		seen[p.Id] = true
		if p.Name == "" {
			return nil, fmt.Errorf("package %d missing name", p.Id)
		}
		if p.Credits <= 0 {
			return nil, fmt.Errorf("package %d must grant positive credits", p.Id)
		}
		price, err := decimal.NewFromString(p.PriceUsdt)
		if err != nil {
			return nil, fmt.Errorf("package %d has invalid price %q: %w", p.Id, p.PriceUsdt, err)
		}
		if !price.IsPositive() {
			return nil, fmt.Errorf("package %d must have a positive price", p.Id)
		}

		active := true
		if p.Active != nil {
			active = *p.Active
		}
		packages = append(packages, models.CreditPackage{
			Id:        p.Id,
			Name:      p.Name,
			Credits:   p.Credits,
			PriceUsdt: price,
			Active:    active,
		})
	}

	return packages, nil
}

// SeedPackages upserts the catalogue from packagesFile
func SeedPackages(ctx context.Context, st store.PackageStore, packagesFile string) (int, error) {
	packages, err := LoadPackageConfig(packagesFile)
	if err != nil {
		return 0, err
	}
	for _, pkg := range packages {
		if err := st.UpsertPackage(ctx, pkg); err != nil {
			return 0, fmt.Errorf("failed to upsert package %d: %w", pkg.Id, err)
		}
	}
	zap.L().Info("Credit packages loaded",
		zap.String("file", packagesFile),
		zap.Int("count", len(packages)))
	return len(packages), nil
}
