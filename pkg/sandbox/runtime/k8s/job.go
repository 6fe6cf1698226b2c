package k8s

import (
	"context"
	"errors"
	"io"

	kubebatch "k8s.io/api/batch/v1"
	kubecore "k8s.io/api/core/v1"
	kubeerr "k8s.io/apimachinery/pkg/api/errors"

	"github.com/opst/tuplefab/pkg/domain"
	"github.com/opst/tuplefab/pkg/utils/retry"
)

type JobStatus string

const (
	// no pods have been started.
	Pending JobStatus = "Pending"

	// the pod has started, and the job has not completed.
	Running JobStatus = "Running"

	Succeeded JobStatus = "Succeeded"
	Failed    JobStatus = "Failed"
)

// Stopped reports whether the job will not run any more.
func (s JobStatus) Stopped() bool {
	return s == Succeeded || s == Failed
}

// snapshot of a sandbox job and its pods.
//
// To refresh, get a new one with getJob.
type job struct {
	job    *kubebatch.Job
	pods   []kubecore.Pod
	client Client
}

func (j *job) Status() JobStatus {
	for _, sc := range j.job.Status.Conditions {
		if sc.Status != kubecore.ConditionTrue {
			continue
		}
		switch sc.Type {
		case kubebatch.JobComplete:
			return Succeeded
		case kubebatch.JobFailed:
			return Failed
		}
	}

	for _, p := range j.pods {
		switch p.Status.Phase {
		case kubecore.PodSucceeded:
			return Succeeded
		case kubecore.PodFailed:
			return Failed
		case kubecore.PodRunning:
			return Running
		}
	}

	return Pending
}

// ExitCode returns the exit code of the container.
//
// ok is false when the container has not been terminated.
func (j *job) ExitCode(container string) (code int, reason string, ok bool) {
	for _, p := range j.pods {
		for _, c := range p.Status.ContainerStatuses {
			if c.Name != container {
				continue
			}
			if term := c.State.Terminated; term != nil {
				return int(term.ExitCode), term.Reason, true
			}
			break
		}
	}
	return 0, "", false
}

func (j *job) Log(ctx context.Context, container string) (io.ReadCloser, error) {
	if len(j.pods) == 0 {
		return nil, errors.New("no pods")
	}
	pod := j.pods[0]
	return j.client.Log(ctx, pod.Namespace, pod.Name, container)
}

// Requirement checks a job snapshot.
//
// It returns nil when satisfied, retry.ErrRetry to wait more, or other errors to give up.
type Requirement func(*job) error

var JobHasStopped Requirement = func(j *job) error {
	if j.Status().Stopped() {
		return nil
	}
	return retry.ErrRetry
}

// getJob polls the job until all requirements are satisfied.
func (r *Runtime) getJob(ctx context.Context, b retry.Backoff, name string, requirements ...Requirement) retry.Promise[*job] {
	return retry.Go(ctx, b, func() (*job, error) {
		_job, err := r.client.GetJob(ctx, r.namespace, name)
		if err != nil {
			if kubeerr.IsNotFound(err) {
				return nil, errors.Join(domain.ErrMissing, err)
			}
			return nil, err
		}
		ret := &job{job: _job, client: r.client}

		pods, err := r.client.FindPods(ctx, r.namespace, LabelJob+"="+name)
		if err != nil {
			return nil, err
		}
		ret.pods = pods

		for _, req := range requirements {
			if err := req(ret); err != nil {
				return ret, err
			}
		}
		return ret, nil
	})
}
