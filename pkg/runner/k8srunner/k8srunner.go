package k8srunner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
	sigsyaml "sigs.k8s.io/yaml"

	"github.com/gridbench/gridbench/pkg/errdefs"
	"github.com/gridbench/gridbench/pkg/inventory"
	"github.com/gridbench/gridbench/pkg/runner"
	"github.com/gridbench/gridbench/pkg/types"
)

const (
	defaultNamespace    = "gridbench"
	defaultPollInterval = 10 * time.Second
	defaultSuccessToken = "GRIDBENCH RESULT: SUCCESS"

	generateHint = "gridbench generate --backend kubernetes"
)

// Runner applies pre-rendered Kubernetes manifests and tracks the
// resulting jobs to completion. Manifests are rendered ahead of time; the
// adapter never templates resources itself.
type Runner struct {
	*runner.Base

	client       kubernetes.Interface
	kubeconfig   string
	namespace    string
	manifestsDir string
	pollInterval time.Duration
	successToken string

	// resources created by ExecuteWorkload, removed again by cleanup
	createdJobs       []string
	createdConfigMaps []string
}

// New constructs the Kubernetes backend adapter. The inventory is parsed
// with the Kubernetes-specific shapes (pods, node selectors) before the
// generic ones. The API client is built lazily during setup so that
// validation can run without cluster access.
func New(cfg runner.Config) (runner.Runner, error) {
	if len(cfg.Nodes) == 0 && cfg.InventoryPath != "" {
		nodes, err := inventory.LoadKubernetes(cfg.InventoryPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load inventory: %w", err)
		}
		cfg.Nodes = nodes
	}
	base, err := runner.NewBase(runner.KindKubernetes, cfg)
	if err != nil {
		return nil, err
	}
	return &Runner{
		Base:         base,
		kubeconfig:   cfg.Setting("kubeconfig", filepath.Join(os.Getenv("HOME"), ".kube", "config")),
		namespace:    cfg.Setting("namespace", defaultNamespace),
		manifestsDir: cfg.Setting("manifests_dir", "k8s-manifests"),
		pollInterval: defaultPollInterval,
		successToken: cfg.Setting("success_token", defaultSuccessToken),
	}, nil
}

// NewWithClient constructs the adapter around an existing API client
func NewWithClient(cfg runner.Config, client kubernetes.Interface) (runner.Runner, error) {
	r, err := New(cfg)
	if err != nil {
		return nil, err
	}
	k := r.(*Runner)
	k.client = client
	return k, nil
}

// ValidateWorkload requires the pre-rendered manifest directory to exist
// and contain at least one YAML document.
func (r *Runner) ValidateWorkload(spec *types.WorkloadSpec) error {
	if err := r.Base.ValidateWorkload(spec); err != nil {
		return err
	}
	files, err := r.manifestFiles()
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return errdefs.Runner("no YAML manifests in %s; render them first with %q", r.manifestsDir, generateHint)
	}
	return nil
}

// SetupInfrastructure builds the API client when needed and preflights
// the cluster: reachability, namespace readability, and job-list
// permission. Failing here prevents partially applying resources against
// an unreachable or unauthorized cluster.
func (r *Runner) SetupInfrastructure(spec *types.WorkloadSpec) error {
	if r.client == nil {
		config, err := clientcmd.BuildConfigFromFlags("", r.kubeconfig)
		if err != nil {
			return errdefs.Configuration("failed to load kubeconfig %s: %v", r.kubeconfig, err)
		}
		client, err := kubernetes.NewForConfig(config)
		if err != nil {
			return fmt.Errorf("failed to create kubernetes client: %w", err)
		}
		r.client = client
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := r.client.Discovery().ServerVersion(); err != nil {
		return errdefs.Connection("cluster unreachable: %v", err)
	}

	if _, err := r.client.CoreV1().Namespaces().Get(ctx, r.namespace, metav1.GetOptions{}); err != nil {
		if k8serrors.IsForbidden(err) {
			return errdefs.Runner("not permitted to read namespace %s: %v", r.namespace, err)
		}
		if !k8serrors.IsNotFound(err) {
			return errdefs.Connection("failed to read namespace %s: %v", r.namespace, err)
		}
		// Missing namespace is fine: the manifests may create it.
		r.Logger().Debug().Str("namespace", r.namespace).Msg("namespace absent, expecting manifests to create it")
	}

	if _, err := r.client.BatchV1().Jobs(r.namespace).List(ctx, metav1.ListOptions{Limit: 1}); err != nil {
		if k8serrors.IsForbidden(err) {
			return errdefs.Runner("not permitted to list jobs in %s: %v", r.namespace, err)
		}
		if !k8serrors.IsNotFound(err) {
			return errdefs.Connection("failed to list jobs in %s: %v", r.namespace, err)
		}
	}
	return nil
}

// ExecuteWorkload applies every manifest document in kind order
// (namespaces, config maps, jobs), then polls the created jobs to
// completion and folds the aggregate outcome onto each matched node.
func (r *Runner) ExecuteWorkload(spec *types.WorkloadSpec) (*types.DistributedResult, error) {
	nodes := r.MatchNodes(spec)
	result := &types.DistributedResult{TotalNodes: len(nodes)}
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), spec.Timeout+2*time.Minute)
	defer cancel()

	docs, err := r.loadDocuments()
	if err != nil {
		return result, err
	}
	if err := r.applyDocuments(ctx, docs); err != nil {
		return result, err
	}

	jobsOK, output := r.awaitJobs(ctx, spec.Timeout)
	elapsed := time.Since(start)
	perTag := elapsed / time.Duration(len(spec.Tags))

	msg := ""
	if !jobsOK {
		msg = "benchmark job did not complete successfully"
	}
	for _, node := range nodes {
		for _, tag := range spec.Tags {
			result.Add(types.ExecutionResult{
				NodeID:       node.Hostname,
				Tag:          tag,
				Success:      jobsOK,
				Output:       output,
				ErrorMessage: msg,
				Duration:     perTag,
			})
		}
	}
	return result, nil
}

// CleanupInfrastructure deletes the jobs and config maps created during
// execution. Namespaces are left in place: they are shared
// infrastructure. Idempotent; missing resources are ignored.
func (r *Runner) CleanupInfrastructure(spec *types.WorkloadSpec) error {
	if r.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	propagation := metav1.DeletePropagationForeground
	opts := metav1.DeleteOptions{PropagationPolicy: &propagation}

	for _, name := range r.createdJobs {
		if err := r.client.BatchV1().Jobs(r.namespace).Delete(ctx, name, opts); err != nil && !k8serrors.IsNotFound(err) {
			r.Logger().Warn().Str("job", name).Err(err).Msg("failed to delete job")
		}
	}
	for _, name := range r.createdConfigMaps {
		if err := r.client.CoreV1().ConfigMaps(r.namespace).Delete(ctx, name, opts); err != nil && !k8serrors.IsNotFound(err) {
			r.Logger().Warn().Str("configmap", name).Err(err).Msg("failed to delete configmap")
		}
	}
	r.createdJobs = nil
	r.createdConfigMaps = nil
	return nil
}

func (r *Runner) manifestFiles() ([]string, error) {
	info, err := os.Stat(r.manifestsDir)
	if err != nil || !info.IsDir() {
		return nil, errdefs.Runner("manifest directory %s not found; render it first with %q", r.manifestsDir, generateHint)
	}
	entries, err := os.ReadDir(r.manifestsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", r.manifestsDir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".yml" || ext == ".yaml" {
			files = append(files, filepath.Join(r.manifestsDir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// document is one decoded YAML document plus enough metadata to order it
type document struct {
	kind string
	raw  []byte
}

func (r *Runner) loadDocuments() ([]document, error) {
	files, err := r.manifestFiles()
	if err != nil {
		return nil, err
	}

	var docs []document
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", file, err)
		}
		for _, chunk := range bytes.Split(data, []byte("\n---")) {
			chunk = bytes.TrimSpace(chunk)
			if len(chunk) == 0 {
				continue
			}
			var meta struct {
				Kind string `json:"kind"`
			}
			if err := sigsyaml.Unmarshal(chunk, &meta); err != nil {
				return nil, errdefs.Runner("malformed manifest document in %s: %v", file, err)
			}
			docs = append(docs, document{kind: meta.Kind, raw: chunk})
		}
	}

	// Apply namespaces before config maps before jobs.
	rank := map[string]int{"Namespace": 0, "ConfigMap": 1, "Job": 2}
	sort.SliceStable(docs, func(i, j int) bool {
		ri, ok := rank[docs[i].kind]
		if !ok {
			ri = 3
		}
		rj, ok := rank[docs[j].kind]
		if !ok {
			rj = 3
		}
		return ri < rj
	})
	return docs, nil
}

// applyDocuments creates each recognized resource, tolerating resources
// that already exist and warning on unrecognized kinds.
func (r *Runner) applyDocuments(ctx context.Context, docs []document) error {
	for _, doc := range docs {
		switch doc.kind {
		case "Namespace":
			var ns corev1.Namespace
			if err := sigsyaml.Unmarshal(doc.raw, &ns); err != nil {
				return errdefs.Runner("malformed Namespace document: %v", err)
			}
			_, err := r.client.CoreV1().Namespaces().Create(ctx, &ns, metav1.CreateOptions{})
			if err != nil && !k8serrors.IsAlreadyExists(err) {
				return fmt.Errorf("failed to create namespace %s: %w", ns.Name, err)
			}
		case "ConfigMap":
			var cm corev1.ConfigMap
			if err := sigsyaml.Unmarshal(doc.raw, &cm); err != nil {
				return errdefs.Runner("malformed ConfigMap document: %v", err)
			}
			if cm.Namespace == "" {
				cm.Namespace = r.namespace
			}
			_, err := r.client.CoreV1().ConfigMaps(cm.Namespace).Create(ctx, &cm, metav1.CreateOptions{})
			if err != nil {
				if !k8serrors.IsAlreadyExists(err) {
					return fmt.Errorf("failed to create configmap %s: %w", cm.Name, err)
				}
			} else {
				r.createdConfigMaps = append(r.createdConfigMaps, cm.Name)
			}
		case "Job":
			var job batchv1.Job
			if err := sigsyaml.Unmarshal(doc.raw, &job); err != nil {
				return errdefs.Runner("malformed Job document: %v", err)
			}
			if job.Namespace == "" {
				job.Namespace = r.namespace
			}
			_, err := r.client.BatchV1().Jobs(job.Namespace).Create(ctx, &job, metav1.CreateOptions{})
			if err != nil {
				if !k8serrors.IsAlreadyExists(err) {
					return fmt.Errorf("failed to create job %s: %w", job.Name, err)
				}
			} else {
				r.createdJobs = append(r.createdJobs, job.Name)
			}
		default:
			r.Logger().Warn().Str("kind", doc.kind).Msg("skipping unrecognized manifest kind")
		}
	}
	return nil
}

// awaitJobs polls every created job at a fixed interval until all have
// completed, any has failed, or the timeout elapses. On completion the
// job logs are read once and matched against the success token.
func (r *Runner) awaitJobs(ctx context.Context, timeout time.Duration) (bool, string) {
	if len(r.createdJobs) == 0 {
		return false, "no jobs were created from the manifests"
	}

	allOK := true
	var outputs []string

	for _, name := range r.createdJobs {
		jobOK := false
		err := wait.PollUntilContextTimeout(ctx, r.pollInterval, timeout, true,
			func(ctx context.Context) (bool, error) {
				job, err := r.client.BatchV1().Jobs(r.namespace).Get(ctx, name, metav1.GetOptions{})
				if err != nil {
					return false, err
				}
				if jobSucceeded(job) {
					jobOK = true
					return true, nil
				}
				if jobFailed(job) {
					return true, nil
				}
				return false, nil
			})
		if err != nil {
			r.Logger().Error().Str("job", name).Err(err).Msg("job polling failed")
			allOK = false
			continue
		}

		logs := r.jobLogs(ctx, name)
		outputs = append(outputs, logs)
		if jobOK && r.successToken != "" && !strings.Contains(logs, r.successToken) {
			r.Logger().Warn().Str("job", name).Msg("job completed but success token missing from logs")
			jobOK = false
		}
		if !jobOK {
			allOK = false
		}
	}
	return allOK, strings.Join(outputs, "\n")
}

func jobSucceeded(job *batchv1.Job) bool {
	for _, c := range job.Status.Conditions {
		if c.Type == batchv1.JobComplete && c.Status == corev1.ConditionTrue {
			return true
		}
	}
	return job.Status.Succeeded > 0
}

func jobFailed(job *batchv1.Job) bool {
	for _, c := range job.Status.Conditions {
		if c.Type == batchv1.JobFailed && c.Status == corev1.ConditionTrue {
			return true
		}
	}
	return false
}

// jobLogs reads the logs of the job's pods, found by the job-name label
func (r *Runner) jobLogs(ctx context.Context, jobName string) string {
	pods, err := r.client.CoreV1().Pods(r.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "job-name=" + jobName,
	})
	if err != nil {
		r.Logger().Warn().Str("job", jobName).Err(err).Msg("failed to list job pods")
		return ""
	}

	var buf strings.Builder
	for _, pod := range pods.Items {
		req := r.client.CoreV1().Pods(r.namespace).GetLogs(pod.Name, &corev1.PodLogOptions{})
		stream, err := req.Stream(ctx)
		if err != nil {
			r.Logger().Warn().Str("pod", pod.Name).Err(err).Msg("failed to read pod logs")
			continue
		}
		if _, err := io.Copy(&buf, stream); err != nil {
			r.Logger().Warn().Str("pod", pod.Name).Err(err).Msg("failed to copy pod logs")
		}
		stream.Close()
	}
	return buf.String()
}
