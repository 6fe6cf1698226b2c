// Package runtime abstracts the container engine sandboxes run on.
package runtime

import (
	"context"
	"errors"
	"strings"

	"k8s.io/apimachinery/pkg/api/resource"
)

const (
	LabelManagedBy = "app.kubernetes.io/managed-by"
	LabelRole      = "tuplefab.opst.io/role"
	LabelKey       = "tuplefab.opst.io/key"

	ManagedBy = "tuplefab"
)

// ErrContainerExists is returned by Run when a container of the same name exists.
var ErrContainerExists = errors.New("container exists already")

type Role string

const (
	RoleTrain   Role = "train"
	RoleTest    Role = "test"
	RoleMetrics Role = "metrics"
	RoleDryRun  Role = "dryrun"
)

// Roles lists all roles a sandbox container can have.
func Roles() []Role {
	return []Role{RoleTrain, RoleTest, RoleMetrics, RoleDryRun}
}

// Name returns the container name for the job key in role.
func Name(role Role, key string) string {
	return string(role) + "_" + key
}

// ParseName splits a container name into role and job key.
func ParseName(name string) (Role, string, bool) {
	r, key, ok := strings.Cut(name, "_")
	if !ok || key == "" {
		return "", "", false
	}
	for _, role := range Roles() {
		if Role(r) == role {
			return role, key, true
		}
	}
	return "", "", false
}

type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

type Limits struct {
	// CpusetCpus is a cpuset, like "0-1,4".
	CpusetCpus string
	Memory     resource.Quantity
	Shm        resource.Quantity
}

type Spec struct {
	Name   string
	Image  string
	Cmd    []string
	Mounts []Mount
	Limits Limits

	Role Role
	Key  string
}

// Labels returns labels put on the container of spec.
func (s Spec) Labels() map[string]string {
	return map[string]string{
		LabelManagedBy: ManagedBy,
		LabelRole:      string(s.Role),
		LabelKey:       s.Key,
	}
}

type Result struct {
	ExitCode int
	Log      string
}

// Succeeded reports whether the container exited with 0.
func (r Result) Succeeded() bool {
	return r.ExitCode == 0
}

type Runtime interface {
	// Build makes an image from an algo directory, tagged with tag.
	//
	// It returns the image reference to be passed to Run.
	Build(ctx context.Context, dir string, tag string) (string, error)

	// Run starts a container and blocks until it stops.
	//
	// Run does not remove the container.
	// A container which exits with non-zero is not an error, see Result.ExitCode.
	Run(ctx context.Context, spec Spec) (Result, error)

	// Remove removes a container. Removing a missing container is not an error.
	Remove(ctx context.Context, name string) error

	Exists(ctx context.Context, name string) (bool, error)

	// List returns names of containers made by this package.
	List(ctx context.Context) ([]string, error)
}
