package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"time"

	"github.com/pavelanni/roleplay/internal/model"
	"github.com/pavelanni/roleplay/internal/rubric"
	"github.com/pavelanni/roleplay/internal/store"
)

// seedFile is the reference data import format.
type seedFile struct {
	Personas    []model.Persona    `json:"personas"`
	Scenarios   []model.Scenario   `json:"scenarios"`
	Students    []model.Student    `json:"students"`
	Assignments []model.Assignment `json:"assignments"`
}

func (sf *seedFile) validate() error {
	personas := make(map[string]bool, len(sf.Personas))
	for _, p := range sf.Personas {
		if p.ID == "" || p.Name == "" {
			return model.Invalid("personas", "every persona needs an id and a name")
		}
		personas[p.ID] = true
	}
	scenarios := make(map[string]bool, len(sf.Scenarios))
	for _, sc := range sf.Scenarios {
		if sc.ID == "" {
			return model.Invalid("scenarios", "every scenario needs an id")
		}
		if !personas[sc.PersonaID] {
			return model.Invalid("scenarios", "scenario %s references unknown persona %q", sc.ID, sc.PersonaID)
		}
		for c, v := range sc.MaxScores {
			if !c.Valid() {
				return model.Invalid("max_scores", "scenario %s: unknown criterion %q", sc.ID, c)
			}
			if v <= 0 {
				return model.Invalid("max_scores", "scenario %s: %s must be positive", sc.ID, c)
			}
		}
		scenarios[sc.ID] = true
	}
	for _, st := range sf.Students {
		if st.ID == "" {
			return model.Invalid("students", "every student needs an id")
		}
	}
	for _, a := range sf.Assignments {
		if a.ID == "" {
			return model.Invalid("assignments", "every assignment needs an id")
		}
		if !scenarios[a.ScenarioID] {
			return model.Invalid("assignments", "assignment %s references unknown scenario %q", a.ID, a.ScenarioID)
		}
		if err := a.Validate(); err != nil {
			return fmt.Errorf("assignment %s: %w", a.ID, err)
		}
	}
	return nil
}

// loadSeed imports reference data files. A file whose hash matches the last
// import is skipped. Everything is upserted, so a changed file is applied
// on top of the existing catalog.
func loadSeed(ctx context.Context, db *store.Store, paths []string) error {
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		hash := sha256sum(data)
		storedHash, err := db.GetImportedFileHash(ctx, path)
		if err != nil {
			return fmt.Errorf("check import status for %s: %w", path, err)
		}
		if storedHash == hash {
			slog.Info("seed file unchanged, skipping", "path", path)
			continue
		}
		if storedHash != "" {
			slog.Warn("seed file changed since last import, applying updates", "path", path)
		}

		var sf seedFile
		if err := json.Unmarshal(data, &sf); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		if err := sf.validate(); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if err := importSeed(ctx, db, sf); err != nil {
			return fmt.Errorf("import %s: %w", path, err)
		}

		if err := db.SetImportedFileHash(ctx, path, hash); err != nil {
			return fmt.Errorf("record import for %s: %w", path, err)
		}
		slog.Info("imported seed file",
			"path", path,
			"personas", len(sf.Personas),
			"scenarios", len(sf.Scenarios),
			"students", len(sf.Students),
			"assignments", len(sf.Assignments),
		)
	}
	return nil
}

func importSeed(ctx context.Context, db *store.Store, sf seedFile) error {
	for _, p := range sf.Personas {
		if err := db.UpsertPersona(ctx, p); err != nil {
			return err
		}
	}
	for _, sc := range sf.Scenarios {
		// Scenarios without their own maxima get the reference rubric.
		if len(sc.MaxScores) == 0 {
			sc.MaxScores = maps.Clone(rubric.DefaultMaxScores)
		}
		if err := db.UpsertScenario(ctx, sc); err != nil {
			return err
		}
	}
	for _, st := range sf.Students {
		if err := db.UpsertStudent(ctx, st); err != nil {
			return err
		}
	}
	now := time.Now().UTC()
	for _, a := range sf.Assignments {
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		if err := db.UpsertAssignment(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
