package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"widget-credits-go/internal/models"
	"widget-credits-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// UpsertPackage inserts or updates a credit package by id
func (s *Service) UpsertPackage(ctx context.Context, pkg models.CreditPackage) error {
	ts := now()
	_, err := s.db.ExecContext(ctx, queryUpsertPackage,
		pkg.Id, pkg.Name, pkg.Credits, pkg.PriceUsdt.String(), pkg.Active, ts, ts)
	if err != nil {
		return fmt.Errorf("unable to upsert credit package %d: %w", pkg.Id, err)
	}

	zap.L().Debug("Credit package stored",
		zap.Int64("package_id", pkg.Id),
		zap.String("name", pkg.Name),
		zap.Int64("credits", pkg.Credits),
		zap.String("price_usdt", pkg.PriceUsdt.String()))
	return nil
}

func (s *Service) GetPackage(ctx context.Context, packageId int64) (*models.CreditPackage, error) {
	pkg, err := scanPackage(s.db.QueryRowContext(ctx, queryGetPackage, packageId))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", store.ErrPackageNotFound, packageId)
		}
		return nil, fmt.Errorf("unable to query credit package: %w", err)
	}
	return pkg, nil
}

func (s *Service) GetPackageByName(ctx context.Context, name string) (*models.CreditPackage, error) {
	pkg, err := scanPackage(s.db.QueryRowContext(ctx, queryGetPackageByName, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrPackageNotFound, name)
		}
		return nil, fmt.Errorf("unable to query credit package: %w", err)
	}
	return pkg, nil
}

func (s *Service) ListPackages(ctx context.Context, activeOnly bool) ([]models.CreditPackage, error) {
	query := queryListPackages
	if activeOnly {
		query = queryListActivePackages
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("unable to list credit packages: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			zap.L().Warn("Failed to close rows", zap.Error(err))
		}
	}(rows)

	packages := []models.CreditPackage{}
	for rows.Next() {
		pkg, err := scanPackage(rows)
		if err != nil {
			return nil, fmt.Errorf("unable to scan credit package row: %w", err)
		}
		packages = append(packages, *pkg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating credit package rows: %w", err)
	}
	return packages, nil
}

func scanPackage(row rowScanner) (*models.CreditPackage, error) {
	var pkg models.CreditPackage
	var priceStr string
	err := row.Scan(&pkg.Id, &pkg.Name, &pkg.Credits, &priceStr, &pkg.Active, &pkg.CreatedAt, &pkg.UpdatedAt)
	if err != nil {
		return nil, err
	}
	pkg.PriceUsdt, err = decimal.NewFromString(priceStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse price '%s': %w", priceStr, err)
	}
	return &pkg, nil
}
