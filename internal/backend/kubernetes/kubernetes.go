// Package kubernetes implements the environment backend on a
// Kubernetes cluster. Each environment is one pod running the CMS
// container with a MySQL sidecar, fronted by a Service, with its
// credentials held in a per-environment Secret.
package kubernetes

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"stagepool/internal/backend"
	"stagepool/internal/fail"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"
)

const (
	appContainer = "cms"
	dbContainer  = "mysql"
	managedLabel = "app.kubernetes.io/managed-by"
	ownerLabel   = "stagepool.io/owner"
	expiryAnno   = "stagepool.io/expires-at"
)

// Config holds configuration for the Kubernetes backend.
type Config struct {
	// Namespace where environments are created
	Namespace string
	// CMS container image
	Image string
	// Database sidecar image
	DBImage string
	// Default resource limits for environment pods
	CPULimit    string
	MemoryLimit string
}

// Compile-time check.
var _ backend.Backend = (*Backend)(nil)

// Backend implements backend.Backend using Kubernetes pods.
type Backend struct {
	clientset kubernetes.Interface
	config    Config
	logger    *slog.Logger

	// exec runs a command inside a container of the named pod.
	// Replaced in tests; the default goes through the SPDY executor.
	exec func(ctx context.Context, pod, container string, command []string) error
}

// homeDir returns the user's home directory.
func homeDir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	return os.Getenv("USERPROFILE") // Windows
}

// New creates a new Kubernetes-based backend.
// Tries in-cluster configuration first, falls back to kubeconfig for local development.
func New(cfg Config, logger *slog.Logger) (*Backend, error) {
	restConfig, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := filepath.Join(homeDir(), ".kube", "config")
		restConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to build kubernetes config: %w", err)
		}
		logger.Info("using kubeconfig", "path", kubeconfig)
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes clientset: %w", err)
	}

	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.CPULimit == "" {
		cfg.CPULimit = "500m"
	}
	if cfg.MemoryLimit == "" {
		cfg.MemoryLimit = "1Gi"
	}

	b := &Backend{
		clientset: clientset,
		config:    cfg,
		logger:    logger,
	}
	b.exec = func(ctx context.Context, pod, container string, command []string) error {
		return b.spdyExec(ctx, restConfig, pod, container, command)
	}
	return b, nil
}

// Create provisions the Secret, pod and Service for a new environment.
func (b *Backend) Create(ctx context.Context, spec backend.Spec) (*backend.Handle, error) {
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Name + "-credentials",
			Namespace: b.config.Namespace,
			Labels:    map[string]string{managedLabel: "stagepool"},
		},
		StringData: map[string]string{
			"admin-password": spec.AdminPassword,
			"db-password":    spec.DBPassword,
		},
	}
	if _, err := b.clientset.CoreV1().Secrets(b.config.Namespace).Create(ctx, secret, metav1.CreateOptions{}); err != nil {
		if !apierrors.IsAlreadyExists(err) {
			return nil, classifyAPIError("create secret", err)
		}
	}

	pod := b.podSpec(spec)
	if _, err := b.clientset.CoreV1().Pods(b.config.Namespace).Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		b.deleteSecret(ctx, spec.Name)
		return nil, classifyAPIError("create pod", err)
	}

	service := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Name,
			Namespace: b.config.Namespace,
			Labels:    map[string]string{managedLabel: "stagepool"},
		},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{"environment": spec.Name},
			Ports: []corev1.ServicePort{
				{Name: "http", Port: 80, TargetPort: intstr.FromInt32(80)},
			},
		},
	}
	if _, err := b.clientset.CoreV1().Services(b.config.Namespace).Create(ctx, service, metav1.CreateOptions{}); err != nil {
		if !apierrors.IsAlreadyExists(err) {
			b.deletePod(ctx, spec.Name)
			b.deleteSecret(ctx, spec.Name)
			return nil, classifyAPIError("create service", err)
		}
	}

	b.logger.Info("created environment pod", "name", spec.Name, "namespace", b.config.Namespace)

	return &backend.Handle{
		Name:     spec.Name,
		Endpoint: fmt.Sprintf("http://%s.%s.svc.cluster.local", spec.Name, b.config.Namespace),
	}, nil
}

// WaitReady polls the pod until both containers pass readiness.
func (b *Backend) WaitReady(ctx context.Context, h *backend.Handle, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if time.Now().After(deadline) {
				return fail.Newf(fail.KindBackendTransient,
					"environment %s not ready after %s", h.Name, timeout)
			}

			pod, err := b.clientset.CoreV1().Pods(b.config.Namespace).Get(ctx, h.Name, metav1.GetOptions{})
			if err != nil {
				if apierrors.IsNotFound(err) {
					continue
				}
				return classifyAPIError("get pod", err)
			}
			if podReady(pod) {
				return nil
			}
		}
	}
}

// Reset wipes the database and mutable filesystem state, then stamps
// the new owner label. Idempotent: re-running the drops and deletes
// leaves the same clean state.
func (b *Backend) Reset(ctx context.Context, h *backend.Handle, ownerID string) error {
	dbPassword, err := b.readSecret(ctx, h.Name, "db-password")
	if err != nil {
		return err
	}

	dbCommands := []string{
		"DROP DATABASE IF EXISTS wordpress",
		"CREATE DATABASE wordpress",
		"FLUSH PRIVILEGES",
	}
	for _, cmd := range dbCommands {
		err := b.exec(ctx, h.Name, dbContainer,
			[]string{"mysql", "-p" + dbPassword, "-e", cmd})
		if err != nil {
			return fail.Newf(fail.KindReset, "database reset on %s: %v", h.Name, err)
		}
	}

	fsCommands := []string{
		"rm -rf /var/www/html/wp-content/uploads/*",
		"rm -rf /var/www/html/wp-content/cache/*",
		"rm -f /var/www/html/wp-content/debug.log",
	}
	for _, cmd := range fsCommands {
		err := b.exec(ctx, h.Name, appContainer, []string{"sh", "-c", cmd})
		if err != nil {
			return fail.Newf(fail.KindReset, "filesystem reset on %s: %v", h.Name, err)
		}
	}

	return b.labelOwner(ctx, h.Name, ownerID)
}

// Rotate changes the database passwords in place and rewrites the
// credentials Secret. Reset and the transfer sidecar read the Secret
// back, so both see the new values from the next call on.
func (b *Backend) Rotate(ctx context.Context, h *backend.Handle, creds backend.Credentials) error {
	oldPassword, err := b.readSecret(ctx, h.Name, "db-password")
	if err != nil {
		return err
	}

	alterCommands := []string{
		fmt.Sprintf("ALTER USER 'wordpress'@'%%' IDENTIFIED BY '%s'", creds.DBPassword),
		fmt.Sprintf("ALTER USER 'root'@'localhost' IDENTIFIED BY '%s'", creds.DBPassword),
		"FLUSH PRIVILEGES",
	}
	for _, cmd := range alterCommands {
		err := b.exec(ctx, h.Name, dbContainer,
			[]string{"mysql", "-p" + oldPassword, "-e", cmd})
		if err != nil {
			return fail.Newf(fail.KindReset, "credential rotation on %s: %v", h.Name, err)
		}
	}

	secret, err := b.clientset.CoreV1().Secrets(b.config.Namespace).Get(ctx, h.Name+"-credentials", metav1.GetOptions{})
	if err != nil {
		return classifyAPIError("get secret", err)
	}
	if secret.Data == nil {
		secret.Data = map[string][]byte{}
	}
	secret.Data["admin-password"] = []byte(creds.AdminPassword)
	secret.Data["db-password"] = []byte(creds.DBPassword)
	secret.Data["api-key"] = []byte(creds.APIKey)
	if _, err := b.clientset.CoreV1().Secrets(b.config.Namespace).Update(ctx, secret, metav1.UpdateOptions{}); err != nil {
		return classifyAPIError("update secret", err)
	}
	return nil
}

// Configure records routing and expiry on the pod. Ingress/DNS pick
// the annotation up outside this process.
func (b *Backend) Configure(ctx context.Context, h *backend.Handle, routing backend.Routing, ttl time.Time) error {
	pod, err := b.clientset.CoreV1().Pods(b.config.Namespace).Get(ctx, h.Name, metav1.GetOptions{})
	if err != nil {
		return classifyAPIError("get pod", err)
	}

	if pod.Annotations == nil {
		pod.Annotations = map[string]string{}
	}
	pod.Annotations[expiryAnno] = ttl.UTC().Format(time.RFC3339)
	if routing.PublicHost != "" {
		pod.Annotations["stagepool.io/public-host"] = routing.PublicHost
	}

	if _, err := b.clientset.CoreV1().Pods(b.config.Namespace).Update(ctx, pod, metav1.UpdateOptions{}); err != nil {
		return classifyAPIError("update pod", err)
	}

	if routing.PublicHost != "" {
		h.PublicURL = "https://" + routing.PublicHost
	}
	return nil
}

// Destroy removes the pod, Service and Secret. Idempotent.
func (b *Backend) Destroy(ctx context.Context, h *backend.Handle) error {
	if err := b.deletePod(ctx, h.Name); err != nil {
		return err
	}
	if err := b.clientset.CoreV1().Services(b.config.Namespace).Delete(ctx, h.Name, metav1.DeleteOptions{}); err != nil {
		if !apierrors.IsNotFound(err) {
			return classifyAPIError("delete service", err)
		}
	}
	if err := b.deleteSecret(ctx, h.Name); err != nil {
		return err
	}
	b.logger.Info("destroyed environment", "name", h.Name)
	return nil
}

func (b *Backend) podSpec(spec backend.Spec) *corev1.Pod {
	resources := corev1.ResourceRequirements{
		Requests: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse("250m"),
			corev1.ResourceMemory: resource.MustParse("512Mi"),
		},
		Limits: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse(b.config.CPULimit),
			corev1.ResourceMemory: resource.MustParse(b.config.MemoryLimit),
		},
	}

	secretEnv := func(key string) *corev1.EnvVarSource {
		return &corev1.EnvVarSource{
			SecretKeyRef: &corev1.SecretKeySelector{
				LocalObjectReference: corev1.LocalObjectReference{Name: spec.Name + "-credentials"},
				Key:                  key,
			},
		}
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Name,
			Namespace: b.config.Namespace,
			Labels: map[string]string{
				managedLabel:  "stagepool",
				"environment": spec.Name,
			},
		},
		Spec: corev1.PodSpec{
			Containers: []corev1.Container{
				{
					Name:  appContainer,
					Image: b.config.Image,
					Ports: []corev1.ContainerPort{{ContainerPort: 80, Name: "http"}},
					Env: []corev1.EnvVar{
						{Name: "WORDPRESS_DB_HOST", Value: "127.0.0.1:3306"},
						{Name: "WORDPRESS_DB_NAME", Value: "wordpress"},
						{Name: "WORDPRESS_DB_USER", Value: "wordpress"},
						{Name: "WORDPRESS_DB_PASSWORD", ValueFrom: secretEnv("db-password")},
					},
					Resources: resources,
					ReadinessProbe: &corev1.Probe{
						ProbeHandler: corev1.ProbeHandler{
							HTTPGet: &corev1.HTTPGetAction{Path: "/", Port: intstr.FromInt32(80)},
						},
						InitialDelaySeconds: 20,
						PeriodSeconds:       5,
					},
				},
				{
					Name:  dbContainer,
					Image: b.config.DBImage,
					Env: []corev1.EnvVar{
						{Name: "MYSQL_DATABASE", Value: "wordpress"},
						{Name: "MYSQL_USER", Value: "wordpress"},
						{Name: "MYSQL_PASSWORD", ValueFrom: secretEnv("db-password")},
						{Name: "MYSQL_ROOT_PASSWORD", ValueFrom: secretEnv("db-password")},
					},
					Resources: resources,
					ReadinessProbe: &corev1.Probe{
						ProbeHandler: corev1.ProbeHandler{
							Exec: &corev1.ExecAction{Command: []string{"mysqladmin", "ping", "-h127.0.0.1"}},
						},
						InitialDelaySeconds: 5,
						PeriodSeconds:       5,
					},
					VolumeMounts: []corev1.VolumeMount{
						{Name: "mysql-data", MountPath: "/var/lib/mysql"},
					},
				},
			},
			Volumes: []corev1.Volume{
				{Name: "mysql-data", VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}},
			},
		},
	}
}

func (b *Backend) labelOwner(ctx context.Context, podName, ownerID string) error {
	pod, err := b.clientset.CoreV1().Pods(b.config.Namespace).Get(ctx, podName, metav1.GetOptions{})
	if err != nil {
		return classifyAPIError("get pod", err)
	}
	if pod.Labels == nil {
		pod.Labels = map[string]string{}
	}
	if ownerID == "" {
		delete(pod.Labels, ownerLabel)
	} else {
		pod.Labels[ownerLabel] = ownerID
	}
	_, err = b.clientset.CoreV1().Pods(b.config.Namespace).Update(ctx, pod, metav1.UpdateOptions{})
	if err != nil {
		return classifyAPIError("update pod", err)
	}
	return nil
}

func (b *Backend) readSecret(ctx context.Context, envName, key string) (string, error) {
	secret, err := b.clientset.CoreV1().Secrets(b.config.Namespace).Get(ctx, envName+"-credentials", metav1.GetOptions{})
	if err != nil {
		return "", classifyAPIError("get secret", err)
	}
	if v, ok := secret.StringData[key]; ok {
		return v, nil
	}
	return string(secret.Data[key]), nil
}

func (b *Backend) deletePod(ctx context.Context, name string) error {
	err := b.clientset.CoreV1().Pods(b.config.Namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return classifyAPIError("delete pod", err)
	}
	return nil
}

func (b *Backend) deleteSecret(ctx context.Context, envName string) error {
	err := b.clientset.CoreV1().Secrets(b.config.Namespace).Delete(ctx, envName+"-credentials", metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return classifyAPIError("delete secret", err)
	}
	return nil
}

func (b *Backend) spdyExec(ctx context.Context, restConfig *rest.Config, pod, container string, command []string) error {
	req := b.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(pod).
		Namespace(b.config.Namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: container,
			Command:   command,
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(restConfig, "POST", req.URL())
	if err != nil {
		return fmt.Errorf("failed to create exec executor: %w", err)
	}
	return executor.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	})
}

func podReady(pod *corev1.Pod) bool {
	if pod.Status.Phase != corev1.PodRunning {
		return false
	}
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady && cond.Status == corev1.ConditionTrue {
			return true
		}
	}
	return false
}

// classifyAPIError maps Kubernetes API errors onto the failure
// taxonomy. Quota and validation problems are terminal; everything
// else is worth a retry.
func classifyAPIError(op string, err error) error {
	switch {
	case apierrors.IsForbidden(err), apierrors.IsInvalid(err), apierrors.IsRequestEntityTooLargeError(err):
		return fail.Newf(fail.KindBackendTerminal, "%s: %v", op, err)
	default:
		return fail.Newf(fail.KindBackendTransient, "%s: %v", op, err)
	}
}
