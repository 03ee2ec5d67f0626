package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/posthog/capture-flags/pkg/cohort"
	"github.com/posthog/capture-flags/pkg/flags/evaluator"
	"github.com/posthog/capture-flags/pkg/teamstore"
	"github.com/posthog/capture-flags/pkg/types"
)

// evalFixture is the on-disk shape `ingest eval` consumes: a team's
// flags/cohorts plus one request, with person/group properties supplied
// directly instead of fetched from a database. Meant for reproducing a
// flag decision offline, not for production traffic.
type evalFixture struct {
	Flags            []*types.FeatureFlag      `json:"flags"`
	Cohorts          []types.Cohort            `json:"cohorts"`
	GroupTypeIndex   map[int]string            `json:"group_type_index"`
	PersonProperties map[string]any            `json:"person_properties"`
	GroupProperties  map[string]map[string]any `json:"group_properties"`
	Request          types.FlagRequest         `json:"request"`
}

// fixtureBackend answers C5's property fetch straight out of the
// fixture file instead of a live store, so `ingest eval` needs no
// database connection.
type fixtureBackend struct {
	personProps map[string]any
	groupProps  map[string]map[string]any
	groupIndex  map[int]string
}

func (b fixtureBackend) FetchProperties(_ context.Context, req teamstore.PropertyRequest) (*teamstore.PropertyResult, error) {
	result := &teamstore.PropertyResult{
		PersonProperties:       b.personProps,
		GroupProperties:        make(map[teamstore.GroupKey]map[string]any, len(req.Groups)),
		StaticCohortMembership: make(map[int64]bool, len(req.StaticCohortIDs)),
	}
	for _, gk := range req.Groups {
		name := b.groupIndex[gk.TypeIndex]
		result.GroupProperties[gk] = b.groupProps[name]
	}
	return result, nil
}

func evalCommand() *cobra.Command {
	var fixturePath string
	c := &cobra.Command{
		Use:   "eval",
		Short: "Evaluate feature flags against a local fixture file, without a database",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runEval(cmd, fixturePath)
		},
	}
	c.Flags().StringVarP(&fixturePath, "fixture", "f", "", "path to a JSON eval fixture")
	_ = c.MarkFlagRequired("fixture")
	return c
}

func runEval(cmd *cobra.Command, fixturePath string) error {
	raw, err := os.ReadFile(fixturePath)
	if err != nil {
		return fmt.Errorf("read fixture: %w", err)
	}
	var fixture evalFixture
	if err := json.Unmarshal(raw, &fixture); err != nil {
		return fmt.Errorf("parse fixture: %w", err)
	}

	req := evaluator.Request{
		DistinctID:     fixture.Request.DistinctID,
		Flags:          fixture.Flags,
		GroupKeys:      fixture.Request.Groups,
		GroupTypeIndex: fixture.GroupTypeIndex,
		Overrides: evaluator.PropertyOverrides{
			Person: fixture.Request.PersonProperties,
			Group:  fixture.Request.GroupProperties,
		},
	}

	backend := fixtureBackend{
		personProps: fixture.PersonProperties,
		groupProps:  fixture.GroupProperties,
		groupIndex:  fixture.GroupTypeIndex,
	}
	cohortStore := cohort.NewTeamStore(fixture.Cohorts)

	result, err := evaluator.EvaluateAll(cmd.Context(), req, backend, cohortStore, nil)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
