package server_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/toxicbuild/toxicmaster/common/models"
)

var entityCounter int64

func nextName(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, atomic.AddInt64(&entityCounter, 1))
}

// CreateRepo creates an enabled repo with a yaml build config.
func CreateRepo(t *testing.T, ctx context.Context, app *TestServer) *models.Repo {
	return CreateNamedRepo(t, ctx, app, nextName("repo"), 0)
}

// CreateNamedRepo creates an enabled repo with the given name and parallel
// builds cap.
func CreateNamedRepo(t *testing.T, ctx context.Context, app *TestServer, name string, parallelBuilds int) *models.Repo {
	repo := models.NewRepo(models.NewTime(app.Clock.Now()), name,
		fmt.Sprintf("git@somewhere.net/%s.git", name), "git", "owner-"+name, parallelBuilds)
	repo.ConfigType = "yaml"
	repo.ConfigFilename = "toxicbuild.yml"
	err := app.RepoStore.Create(ctx, nil, repo)
	require.NoError(t, err)
	return repo
}

// CreateSlave creates a slave bound to the repo. Pass the host and port of a
// FakeSlave to make it reachable.
func CreateSlave(t *testing.T, ctx context.Context, app *TestServer, repo *models.Repo, host string, port int) *models.Slave {
	slave := models.NewSlave(models.NewTime(app.Clock.Now()), nextName("slave"),
		host, port, "test-token", false, false)
	err := app.SlaveStore.Create(ctx, nil, slave)
	require.NoError(t, err)
	err = app.SlaveStore.AddToRepo(ctx, nil, repo.ID, slave.ID)
	require.NoError(t, err)
	return slave
}

// CreateOnDemandSlave creates an on-demand slave backed by the fake instance
// registered under instanceID.
func CreateOnDemandSlave(t *testing.T, ctx context.Context, app *TestServer, repo *models.Repo, port int, instanceID string) *models.Slave {
	slave := models.NewSlave(models.NewTime(app.Clock.Now()), nextName("slave"),
		"", port, "test-token", false, false)
	slave.OnDemand = true
	slave.InstanceType = models.InstanceTypeEC2
	slave.InstanceConfs = models.KVMap{"instance_id": instanceID, "region": "us-east-1"}
	err := app.SlaveStore.Create(ctx, nil, slave)
	require.NoError(t, err)
	err = app.SlaveStore.AddToRepo(ctx, nil, repo.ID, slave.ID)
	require.NoError(t, err)
	return slave
}

// CreateRevision creates a revision of the repo carrying the given build
// config.
func CreateRevision(t *testing.T, ctx context.Context, app *TestServer, repo *models.Repo, branch, config string) *models.Revision {
	now := models.NewTime(app.Clock.Now())
	revision := models.NewRevision(now, repo.ID, nextName("commit"), now, branch, "zezinho", "a commit")
	revision.Config = config
	err := app.RevisionStore.Create(ctx, nil, revision)
	require.NoError(t, err)
	return revision
}

// CreateBuildsetWithBuilds creates a pending buildset with one build per
// builder name, bypassing config parsing.
func CreateBuildsetWithBuilds(t *testing.T, ctx context.Context, app *TestServer, repo *models.Repo, revision *models.Revision, builderNames ...string) *models.Buildset {
	buildset := models.NewBuildset(models.NewTime(app.Clock.Now()), revision)
	number, err := app.BuildsetStore.MaxBuildNumber(ctx, nil, repo.ID)
	require.NoError(t, err)
	for i, name := range builderNames {
		builder, err := app.BuilderStore.FindOrCreate(ctx, nil, repo.ID, name, models.DefaultBuilderPosition)
		require.NoError(t, err)
		build := models.NewBuild(buildset.ID, repo.ID, builder, number+1+i,
			revision.Branch, revision.Commit, "", revision.External)
		buildset.Builds = append(buildset.Builds, build)
	}
	err = app.BuildsetStore.Create(ctx, nil, buildset)
	require.NoError(t, err)
	return buildset
}
