package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/example/park-rides/internal/auth"
	"github.com/example/park-rides/internal/events"
	"github.com/example/park-rides/internal/models"
	"github.com/example/park-rides/internal/notify"
	"github.com/example/park-rides/internal/storage"
	"github.com/example/park-rides/internal/validation"
)

type PackageInput struct {
	Name        string      `json:"name" validate:"required"`
	Description string      `json:"description" validate:"required"`
	Price       json.Number `json:"price" validate:"required,numeric"`
	Duration    string      `json:"duration" validate:"required"`
	Image       string      `json:"image" validate:"required,imageurl"`
	Rides       []string    `json:"rides"`
}

func (in PackageInput) validate() (models.Package, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Description = strings.TrimSpace(in.Description)
	in.Duration = strings.TrimSpace(in.Duration)
	in.Image = strings.TrimSpace(in.Image)
	in.Price = json.Number(strings.TrimSpace(string(in.Price)))
	p := models.Package{Name: in.Name, Description: in.Description, Duration: in.Duration, Image: in.Image}
	if err := validation.Struct(in); err != nil {
		return p, err
	}
	price, err := in.Price.Float64()
	if err != nil {
		return p, validation.New("price", "must be numeric")
	}
	if err := validation.Var("price", price, "gt=0"); err != nil {
		return p, err
	}
	p.Price = price
	seen := make(map[string]bool, len(in.Rides))
	for _, id := range in.Rides {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		if storage.ValidateKey(id) != nil {
			return p, validation.New("rides", fmt.Sprintf("invalid ride id %q", id))
		}
		seen[id] = true
		p.Rides = append(p.Rides, id)
	}
	if err := validation.Var("rides", p.Rides, "min=1"); err != nil {
		return p, validation.New("rides", "select at least one ride")
	}
	return p, nil
}

func packagePath(id string) string { return storage.Join(packagesPath, id) }

// checkRides verifies that every referenced ride exists right now. A ride may
// still be deleted later; stale references are tolerated and reported.
func (c *Catalog) checkRides(ctx context.Context, ids []string) error {
	rides, err := c.store.Get(ctx, ridesPath)
	if err != nil {
		return fmt.Errorf("load rides: %w", err)
	}
	for _, id := range ids {
		if rides.Child(id).Value == nil {
			return validation.New("rides", fmt.Sprintf("ride %q does not exist", id))
		}
	}
	return nil
}

func (c *Catalog) CreatePackage(ctx context.Context, caller auth.Principal, in PackageInput) (models.Package, notify.Report, error) {
	if err := caller.RequireAdmin(); err != nil {
		return models.Package{}, notify.Report{}, err
	}
	p, err := in.validate()
	if err != nil {
		return models.Package{}, notify.Report{}, err
	}
	if err := c.checkRides(ctx, p.Rides); err != nil {
		return models.Package{}, notify.Report{}, err
	}
	p.CreatedAt = c.now().UTC()
	id, err := c.store.Append(ctx, packagesPath, p)
	if err != nil {
		c.logger.Error("create package failed", "name", p.Name, "error", err)
		return models.Package{}, notify.Report{}, fmt.Errorf("create package: %w", err)
	}
	p.ID = id
	c.logger.Info("package created", "package_id", id, "name", p.Name, "rides", len(p.Rides))
	rep := c.announce(ctx, "New package added: "+p.Name, events.Event{Type: events.PackageCreated, PackageID: id, UserID: caller.ID})
	return p, rep, nil
}

func (c *Catalog) UpdatePackage(ctx context.Context, caller auth.Principal, id string, in PackageInput) (models.Package, notify.Report, error) {
	if err := caller.RequireAdmin(); err != nil {
		return models.Package{}, notify.Report{}, err
	}
	if err := checkID(id, models.ErrPackageNotFound); err != nil {
		return models.Package{}, notify.Report{}, err
	}
	p, err := in.validate()
	if err != nil {
		return models.Package{}, notify.Report{}, err
	}
	if err := c.checkRides(ctx, p.Rides); err != nil {
		return models.Package{}, notify.Report{}, err
	}
	path := packagePath(id)
	err = c.store.Transact(ctx, path, func(cur storage.Snapshot) ([]storage.Mutation, error) {
		var old models.Package
		if cur.Value == nil || cur.Decode(&old) != nil {
			return nil, models.ErrPackageNotFound
		}
		p.CreatedAt = old.CreatedAt
		return []storage.Mutation{storage.SetOp(path, p)}, nil
	})
	if err != nil {
		return models.Package{}, notify.Report{}, c.writeErr("update package", id, err)
	}
	p.ID = id
	c.logger.Info("package updated", "package_id", id)
	rep := c.announce(ctx, "Package updated: "+p.Name, events.Event{Type: events.PackageUpdated, PackageID: id, UserID: caller.ID})
	return p, rep, nil
}

// DeletePackage removes only the package; the rides it lists are untouched.
func (c *Catalog) DeletePackage(ctx context.Context, caller auth.Principal, id string) (notify.Report, error) {
	if err := caller.RequireAdmin(); err != nil {
		return notify.Report{}, err
	}
	if err := checkID(id, models.ErrPackageNotFound); err != nil {
		return notify.Report{}, err
	}
	path := packagePath(id)
	var name string
	err := c.store.Transact(ctx, path, func(cur storage.Snapshot) ([]storage.Mutation, error) {
		var old models.Package
		if cur.Value == nil || cur.Decode(&old) != nil {
			return nil, models.ErrPackageNotFound
		}
		name = old.Name
		return []storage.Mutation{storage.RemoveOp(path)}, nil
	})
	if err != nil {
		return notify.Report{}, c.writeErr("delete package", id, err)
	}
	c.logger.Info("package deleted", "package_id", id)
	return c.announce(ctx, "Package removed: "+name, events.Event{Type: events.PackageDeleted, PackageID: id, UserID: caller.ID}), nil
}

func (c *Catalog) Package(ctx context.Context, id string) (models.Package, error) {
	if err := checkID(id, models.ErrPackageNotFound); err != nil {
		return models.Package{}, err
	}
	snap, err := c.store.Get(ctx, packagePath(id))
	if err != nil {
		return models.Package{}, fmt.Errorf("load package: %w", err)
	}
	if snap.Value == nil {
		return models.Package{}, models.ErrPackageNotFound
	}
	rides, err := c.store.Get(ctx, ridesPath)
	if err != nil {
		return models.Package{}, fmt.Errorf("load rides: %w", err)
	}
	var p models.Package
	if err := snap.Decode(&p); err != nil {
		return models.Package{}, err
	}
	p.ID = id
	p.MissingRides = missingRides(p.Rides, rides)
	return p, nil
}

func (c *Catalog) Packages(ctx context.Context) ([]models.Package, error) {
	snap, err := c.store.Get(ctx, packagesPath)
	if err != nil {
		return nil, fmt.Errorf("load packages: %w", err)
	}
	rides, err := c.store.Get(ctx, ridesPath)
	if err != nil {
		return nil, fmt.Errorf("load rides: %w", err)
	}
	out := make([]models.Package, 0, len(snap.Children))
	for _, child := range snap.Children {
		var p models.Package
		if err := child.Decode(&p); err != nil {
			c.logger.Warn("skipping malformed package", "path", child.Path, "error", err)
			continue
		}
		p.ID = child.Key()
		p.MissingRides = missingRides(p.Rides, rides)
		if len(p.MissingRides) > 0 {
			c.logger.Warn("package references missing rides", "package_id", p.ID, "missing", p.MissingRides)
		}
		out = append(out, p)
	}
	return out, nil
}

func missingRides(ids []string, rides storage.Snapshot) []string {
	var missing []string
	for _, id := range ids {
		if storage.ValidateKey(id) != nil || rides.Child(id).Value == nil {
			missing = append(missing, id)
		}
	}
	return missing
}
