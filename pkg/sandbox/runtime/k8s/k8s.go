// Package k8s runs sandboxes as kubernetes Jobs.
//
// Jobs are pinned to a node (the node holding sandbox directories) and mount
// them with hostPath volumes. Pods of sandboxes are isolated from the network
// by a deny-all NetworkPolicy.
//
// Container names like "train_<key>" are not valid object names, so Jobs are
// named by objectName and carry the original name as an annotation.
package k8s

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	kubebatch "k8s.io/api/batch/v1"
	kubecore "k8s.io/api/core/v1"
	kubenet "k8s.io/api/networking/v1"
	kubeerr "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"

	xe "github.com/opst/tuplefab/pkg/errors"
	"github.com/opst/tuplefab/pkg/sandbox/runtime"
	"github.com/opst/tuplefab/pkg/sandbox/slots"
	"github.com/opst/tuplefab/pkg/utils/retry"
	"go.uber.org/zap"
)

const (
	LabelJob = "tuplefab.opst.io/job"

	AnnotationName   = "tuplefab.opst.io/name"
	AnnotationCpuset = "tuplefab.opst.io/cpuset"

	NetworkPolicyName = "tuplefab-sandbox-deny-all"

	mainContainer = "main"
	maxLogBytes   = 1 << 20
	maxNameLength = 63
)

type Runtime struct {
	client    Client
	namespace string
	node      string
	interval  time.Duration
	builder   *Builder
	logger    *zap.Logger

	mu            sync.Mutex
	policyApplied bool
}

var _ runtime.Runtime = &Runtime{}

type Option func(*Runtime)

// WithNodeName pins sandbox pods to the node.
func WithNodeName(node string) Option {
	return func(r *Runtime) { r.node = node }
}

// WithPollInterval sets how often a running Job is checked. Default: 2s.
func WithPollInterval(d time.Duration) Option {
	return func(r *Runtime) { r.interval = d }
}

func WithBuilder(b Builder) Option {
	return func(r *Runtime) { r.builder = &b }
}

func New(client Client, namespace string, logger *zap.Logger, options ...Option) *Runtime {
	r := &Runtime{
		client:    client,
		namespace: namespace,
		interval:  2 * time.Second,
		logger:    logger.Named("k8s"),
	}
	for _, o := range options {
		o(r)
	}
	return r
}

var reNotInName = regexp.MustCompile(`[^a-z0-9-]+`)

// objectName converts a container name to a name usable for Jobs and label values.
func objectName(name string) string {
	n := reNotInName.ReplaceAllString(strings.ToLower(name), "-")
	if len(n) > maxNameLength {
		n = n[:maxNameLength]
	}
	return strings.Trim(n, "-")
}

func labelsOf(spec runtime.Spec) map[string]string {
	labels := spec.Labels()
	labels[runtime.LabelKey] = objectName(spec.Key)
	labels[LabelJob] = objectName(spec.Name)
	return labels
}

func (r *Runtime) ensureNetworkPolicy(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.policyApplied {
		return nil
	}

	_, err := r.client.CreateNetworkPolicy(ctx, r.namespace, &kubenet.NetworkPolicy{
		ObjectMeta: kubeapimeta.ObjectMeta{
			Name:      NetworkPolicyName,
			Namespace: r.namespace,
			Labels:    map[string]string{runtime.LabelManagedBy: runtime.ManagedBy},
		},
		Spec: kubenet.NetworkPolicySpec{
			PodSelector: kubeapimeta.LabelSelector{
				MatchLabels: map[string]string{runtime.LabelManagedBy: runtime.ManagedBy},
			},
			// no rules: nothing is allowed
			PolicyTypes: []kubenet.PolicyType{kubenet.PolicyTypeIngress, kubenet.PolicyTypeEgress},
		},
	})
	if err != nil && !kubeerr.IsAlreadyExists(err) {
		return xe.Wrap(err)
	}
	r.policyApplied = true
	return nil
}

func (r *Runtime) build(spec runtime.Spec) (*kubebatch.Job, error) {
	name := objectName(spec.Name)
	labels := labelsOf(spec)

	volumes := []kubecore.Volume{}
	mounts := []kubecore.VolumeMount{}
	for i, m := range spec.Mounts {
		vname := fmt.Sprintf("mount-%d", i)
		volumes = append(volumes, kubecore.Volume{
			Name: vname,
			VolumeSource: kubecore.VolumeSource{
				HostPath: &kubecore.HostPathVolumeSource{Path: m.Source},
			},
		})
		mounts = append(mounts, kubecore.VolumeMount{
			Name:      vname,
			MountPath: m.Target,
			ReadOnly:  m.ReadOnly,
		})
	}

	if shm := spec.Limits.Shm; !shm.IsZero() {
		volumes = append(volumes, kubecore.Volume{
			Name: "shm",
			VolumeSource: kubecore.VolumeSource{
				EmptyDir: &kubecore.EmptyDirVolumeSource{
					Medium:    kubecore.StorageMediumMemory,
					SizeLimit: &shm,
				},
			},
		})
		mounts = append(mounts, kubecore.VolumeMount{Name: "shm", MountPath: "/dev/shm"})
	}

	// requests == limits with integral cpus gets the pod pinned by the static cpu manager.
	limits := kubecore.ResourceList{}
	if spec.Limits.CpusetCpus != "" {
		cpus, err := slots.ParseCPUs(spec.Limits.CpusetCpus)
		if err != nil {
			return nil, err
		}
		limits[kubecore.ResourceCPU] = *resource.NewQuantity(int64(len(cpus)), resource.DecimalSI)
	}
	if !spec.Limits.Memory.IsZero() {
		limits[kubecore.ResourceMemory] = spec.Limits.Memory
	}

	meta := kubeapimeta.ObjectMeta{
		Name:      name,
		Namespace: r.namespace,
		Labels:    labels,
		Annotations: map[string]string{
			AnnotationName:   spec.Name,
			AnnotationCpuset: spec.Limits.CpusetCpus,
		},
	}

	return &kubebatch.Job{
		ObjectMeta: meta,
		Spec: kubebatch.JobSpec{
			BackoffLimit: ptr.To[int32](0),
			Template: kubecore.PodTemplateSpec{
				ObjectMeta: kubeapimeta.ObjectMeta{
					Labels:      labels,
					Annotations: meta.Annotations,
				},
				Spec: kubecore.PodSpec{
					RestartPolicy:                kubecore.RestartPolicyNever,
					NodeName:                     r.node,
					AutomountServiceAccountToken: ptr.To(false),
					EnableServiceLinks:           ptr.To(false),
					Volumes:                      volumes,
					Containers: []kubecore.Container{
						{
							Name:            mainContainer,
							Image:           spec.Image,
							Args:            spec.Cmd,
							ImagePullPolicy: kubecore.PullIfNotPresent,
							VolumeMounts:    mounts,
							Resources: kubecore.ResourceRequirements{
								Limits:   limits,
								Requests: limits,
							},
							SecurityContext: &kubecore.SecurityContext{
								AllowPrivilegeEscalation: ptr.To(false),
							},
						},
					},
				},
			},
		},
	}, nil
}

func (r *Runtime) Run(ctx context.Context, spec runtime.Spec) (runtime.Result, error) {
	if err := r.ensureNetworkPolicy(ctx); err != nil {
		return runtime.Result{}, err
	}

	j, err := r.build(spec)
	if err != nil {
		return runtime.Result{}, err
	}
	created, err := r.client.CreateJob(ctx, r.namespace, j)
	if err != nil {
		if kubeerr.IsAlreadyExists(err) {
			return runtime.Result{}, fmt.Errorf("%w: %s", runtime.ErrContainerExists, spec.Name)
		}
		return runtime.Result{}, xe.Wrap(err)
	}
	r.logger.Info("job is created", zap.String("name", spec.Name), zap.String("job", created.Name))

	stopped, err := retry.Await(ctx, r.getJob(ctx, retry.StaticBackoff(r.interval), created.Name, JobHasStopped))
	if err != nil {
		return runtime.Result{}, err
	}

	result := runtime.Result{}
	code, reason, ok := stopped.ExitCode(mainContainer)
	switch {
	case ok:
		result.ExitCode = code
	case stopped.Status() == Failed:
		// killed before the container starts, e.g. image pull errors
		result.ExitCode = 1
	}
	if reason != "" && result.ExitCode != 0 {
		r.logger.Info("job failed", zap.String("name", spec.Name), zap.String("reason", reason))
	}

	if rc, err := stopped.Log(ctx, mainContainer); err != nil {
		r.logger.Warn("failed to read logs", zap.String("name", spec.Name), zap.Error(err))
	} else {
		defer rc.Close()
		b, _ := io.ReadAll(io.LimitReader(rc, maxLogBytes))
		result.Log = string(b)
	}
	return result, nil
}

func (r *Runtime) Remove(ctx context.Context, name string) error {
	err := r.client.DeleteJob(ctx, r.namespace, objectName(name))
	if err != nil && !kubeerr.IsNotFound(err) {
		return xe.Wrap(err)
	}
	return nil
}

func (r *Runtime) Exists(ctx context.Context, name string) (bool, error) {
	_, err := r.client.GetJob(ctx, r.namespace, objectName(name))
	if err != nil {
		if kubeerr.IsNotFound(err) {
			return false, nil
		}
		return false, xe.Wrap(err)
	}
	return true, nil
}

func (r *Runtime) List(ctx context.Context) ([]string, error) {
	jobs, err := r.client.FindJobs(ctx, r.namespace, runtime.LabelManagedBy+"="+runtime.ManagedBy)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	names := []string{}
	for _, j := range jobs {
		if n, ok := j.Annotations[AnnotationName]; ok {
			names = append(names, n)
			continue
		}
		names = append(names, j.Name)
	}
	return names, nil
}

// ErrNoBuilder is returned by Build when no Builder is configured.
var ErrNoBuilder = errors.New("image builder is not configured")
