package controller

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/go-logr/logr"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/intstr"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/log"

	keystonev1beta1 "github.com/sunbeam-operators/keystone-operator/api/v1beta1"
	"github.com/sunbeam-operators/keystone-operator/internal/container"
	"github.com/sunbeam-operators/keystone-operator/internal/keystone"
	"github.com/sunbeam-operators/keystone-operator/internal/leadership"
	"github.com/sunbeam-operators/keystone-operator/internal/peers"
	"github.com/sunbeam-operators/keystone-operator/internal/render"
	"github.com/sunbeam-operators/keystone-operator/internal/secrets"
)

const keystoneContainerName = "keystone"

// Pod template annotations driving workload restarts.
const (
	configHashAnnotation  = "keystone.sunbeam-operators.io/config-hash"
	restartedAtAnnotation = "keystone.sunbeam-operators.io/restartedAt"
)

// keystoneStartScript seeds harvested fernet and credential keys into the
// key repositories before handing over to apache. The seed secrets are
// optional volumes and empty until the leader finished bootstrapping.
const keystoneStartScript = `seed() {
    if [ -d "$2" ] && [ -n "$(ls -A "$2" 2>/dev/null)" ]; then
        install -d -m 0700 "$1"
        cp "$2"/* "$1"/
    fi
}
seed /etc/keystone/fernet-keys /var/lib/keystone-seed/fernet-keys
seed /etc/keystone/credential-keys /var/lib/keystone-seed/credential-keys
chown -R keystone:keystone /etc/keystone/fernet-keys /etc/keystone/credential-keys /var/log/keystone
a2ensite wsgi-keystone
exec apache2ctl -DFOREGROUND`

// KeystoneAPIReconciler reconciles a KeystoneAPI object
type KeystoneAPIReconciler struct {
	client.Client
	Scheme        *runtime.Scheme
	ClientManager *keystone.ClientManager
	Executor      container.Executor
	Leadership    leadership.Tracker
}

// +kubebuilder:rbac:groups=keystone.sunbeam-operators.io,resources=keystoneapis,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups=keystone.sunbeam-operators.io,resources=keystoneapis/status,verbs=get;update;patch
// +kubebuilder:rbac:groups=keystone.sunbeam-operators.io,resources=keystoneapis/finalizers,verbs=update
// +kubebuilder:rbac:groups="",resources=secrets;configmaps;serviceaccounts;services,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups="",resources=pods,verbs=get;list;watch
// +kubebuilder:rbac:groups="",resources=pods/exec,verbs=create
// +kubebuilder:rbac:groups=apps,resources=deployments,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups=networking.k8s.io,resources=ingresses,verbs=get;list;watch;create;update;patch;delete

// Reconcile drives a KeystoneAPI deployment towards its desired state:
// workload objects first, then the one-time bootstrap sequence on the
// leader, then catalog upkeep.
func (r *KeystoneAPIReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	log := log.FromContext(ctx)
	startTime := time.Now()
	controllerName := "KeystoneAPI"

	// Fetch the KeystoneAPI
	api := &keystonev1beta1.KeystoneAPI{}
	if err := r.Get(ctx, req.NamespacedName, api); err != nil {
		if errors.IsNotFound(err) {
			return ctrl.Result{}, nil
		}
		log.Error(err, "unable to fetch KeystoneAPI")
		RecordReconcile(controllerName, false, time.Since(startTime).Seconds())
		RecordError(controllerName, "fetch_error")
		return ctrl.Result{}, err
	}

	// Defer metrics recording
	defer func() {
		RecordReconcile(controllerName, api.Status.Ready, time.Since(startTime).Seconds())
	}()

	// Everything this controller creates carries an owner reference, so
	// deletion needs no external cleanup.
	if !api.DeletionTimestamp.IsZero() {
		r.ClientManager.RemoveClient(clientKeyForAPI(api))
		return ctrl.Result{}, nil
	}

	loggingCtx, err := render.NewLoggingContext(api.Spec.LogLevel, api.Spec.Debug)
	if err != nil {
		RecordError(controllerName, "invalid_config")
		return r.updateStatus(ctx, api, false, "InvalidConfig", err.Error())
	}

	// Database credentials gate everything else
	dbCtx, err := GetDatabaseContextFromAPI(ctx, r.Client, api)
	if err != nil {
		log.Info("database credentials not ready", "reason", err.Error())
		RecordError(controllerName, "database_not_ready")
		return r.waitStatus(ctx, api, "WaitingForDatabase", "Waiting for database")
	}

	store := secrets.NewK8sStore(r.Client, r.Scheme)
	bag := peers.New(store, api.Namespace, api.Name)
	leader := r.Leadership.IsLeader()

	// Peer state and the operator's service admin password. Only the
	// leader writes peer state.
	var servicePassword string
	if leader {
		if err := bag.Ensure(ctx, api); err != nil {
			return ctrl.Result{}, err
		}
		servicePassword, err = bag.EnsurePassword(ctx, api)
		if err != nil {
			return ctrl.Result{}, err
		}
	} else {
		servicePassword, err = bag.Password(ctx)
		if err != nil {
			return ctrl.Result{}, err
		}
		if servicePassword == "" {
			return r.waitStatus(ctx, api, "WaitingForLeader", "Waiting for leader to initialize peer state")
		}
	}

	adminPassword, err := r.ensureAdminPassword(ctx, api, store, leader)
	if err != nil {
		return ctrl.Result{}, err
	}
	if adminPassword == "" {
		return r.waitStatus(ctx, api, "WaitingForLeader", "Waiting for leader to generate admin credentials")
	}

	refs, err := bag.Refs(ctx)
	if err != nil {
		return ctrl.Result{}, err
	}

	// Rendered configuration and workload objects
	configHash, err := r.ensureConfig(ctx, api, dbCtx, loggingCtx, refs)
	if err != nil {
		RecordError(controllerName, "render_error")
		return r.updateStatus(ctx, api, false, "ConfigFailed", fmt.Sprintf("Failed to render configuration: %v", err))
	}
	if err := r.ensureServiceAccount(ctx, api); err != nil {
		return ctrl.Result{}, err
	}
	if err := r.ensureDeployment(ctx, api, configHash); err != nil {
		return ctrl.Result{}, err
	}
	if err := r.ensureService(ctx, api); err != nil {
		return ctrl.Result{}, err
	}
	if err := r.ensureIngress(ctx, api); err != nil {
		return ctrl.Result{}, err
	}

	bootstrapped, err := bag.IsBootstrapped(ctx)
	if err != nil {
		return ctrl.Result{}, err
	}

	if !bootstrapped {
		if !leader {
			return r.waitStatus(ctx, api, "WaitingForLeader", "Waiting for leader to bootstrap keystone")
		}
		podName, err := r.runningPod(ctx, api)
		if err != nil {
			return ctrl.Result{}, err
		}
		if podName == "" {
			return r.waitStatus(ctx, api, "WaitingForWorkload", "Waiting for keystone workload to start")
		}
		return r.bootstrap(ctx, log, api, bag, store, podName, servicePassword, adminPassword)
	}

	// Catalog upkeep keeps the endpoint URLs in sync with configuration
	if leader {
		if err := r.syncCatalog(ctx, api, servicePassword, adminPassword); err != nil {
			log.Error(err, "failed to sync service catalog")
			RecordError(controllerName, "keystone_api_error")
			return r.updateStatus(ctx, api, false, "CatalogSyncFailed", fmt.Sprintf("Failed to sync service catalog: %v", err))
		}
	}

	api.Status.Bootstrapped = true
	api.Status.APIEndpoints = map[string]string{
		"admin":    api.AdminURL(),
		"internal": api.InternalURL(),
		"public":   api.PublicURL(),
	}
	return r.updateStatus(ctx, api, true, "Active", "keystone is ready")
}

// bootstrap runs the one-time initialization: the keystone-manage sequence
// inside the workload container, the initial projects and users, key
// harvesting and the workload restart that distributes the keys.
func (r *KeystoneAPIReconciler) bootstrap(ctx context.Context, log logr.Logger, api *keystonev1beta1.KeystoneAPI, bag *peers.Bag, store secrets.Store, podName, servicePassword, adminPassword string) (ctrl.Result, error) {
	controllerName := "KeystoneAPI"

	target := container.Target{
		Namespace: api.Namespace,
		Pod:       podName,
		Container: keystoneContainerName,
	}
	manager := r.newManager(ctx, log, api, servicePassword, adminPassword, target)

	log.Info("bootstrapping keystone", "pod", podName)
	if err := manager.SetupIdentityService(ctx); err != nil {
		return r.bootstrapFailed(ctx, api, bag, err)
	}

	result, err := manager.SetupInitialProjectsAndUsers(ctx)
	if err != nil {
		return r.bootstrapFailed(ctx, api, bag, err)
	}

	// Harvest the generated keys so restarted and scaled pods share them
	if err := r.harvestKeys(ctx, api, store, target); err != nil {
		return r.bootstrapFailed(ctx, api, bag, err)
	}
	if err := r.restartWorkload(ctx, api); err != nil {
		return ctrl.Result{}, err
	}

	if err := bag.SetBootstrapped(ctx, &peers.IdentityRefs{
		DefaultDomainID:  result.DefaultDomainID,
		AdminDomainID:    result.AdminDomainID,
		AdminProjectID:   result.AdminProjectID,
		AdminUser:        result.AdminUserName,
		ServiceDomainID:  result.ServiceDomainID,
		ServiceProjectID: result.ServiceProjectID,
	}, api); err != nil {
		return ctrl.Result{}, err
	}

	RecordBootstrap(true)
	log.Info("keystone bootstrapped",
		"defaultDomain", result.DefaultDomainID,
		"adminDomain", result.AdminDomainID,
		"serviceProject", result.ServiceProjectID)

	api.Status.Bootstrapped = true
	if _, err := r.updateStatus(ctx, api, false, "Bootstrapped", "Bootstrap complete, restarting workload"); err != nil {
		return ctrl.Result{}, err
	}
	// Re-render configuration with the recorded identifiers right away
	return ctrl.Result{Requeue: true}, nil
}

func (r *KeystoneAPIReconciler) bootstrapFailed(ctx context.Context, api *keystonev1beta1.KeystoneAPI, bag *peers.Bag, err error) (ctrl.Result, error) {
	RecordBootstrap(false)
	RecordError("KeystoneAPI", "bootstrap_error")
	// No partial success is persisted; the next event retries from the start
	if clearErr := bag.SetBootstrapped(ctx, nil, api); clearErr != nil {
		return ctrl.Result{}, clearErr
	}
	return r.updateStatus(ctx, api, false, "BootstrapFailed", err.Error())
}

// newManager builds the keystone manager for this deployment. The status
// callback relays maintenance progress into the resource status.
func (r *KeystoneAPIReconciler) newManager(ctx context.Context, log logr.Logger, api *keystonev1beta1.KeystoneAPI, servicePassword, adminPassword string, target container.Target) *keystone.Manager {
	cfg := keystone.Config{
		BaseURL:     api.AuthURL(),
		Username:    keystone.ServiceAdminUsername,
		Password:    servicePassword,
		SystemScope: true,
	}
	kc := r.ClientManager.GetOrCreateClient(clientKeyForAPI(api), cfg)

	return keystone.NewManager(keystone.ManagerConfig{
		Client:   kc,
		Executor: r.Executor,
		Target:   target,
		Deployment: keystone.Deployment{
			AdminUser:       api.Spec.AdminUser,
			AdminPassword:   adminPassword,
			AdminRole:       api.Spec.AdminRole,
			ServiceProject:  api.Spec.ServiceProject,
			ServicePassword: servicePassword,
			Regions:         api.Regions(),
			AdminURL:        api.AdminURL(),
			InternalURL:     api.InternalURL(),
			PublicURL:       api.PublicURL(),
		},
		Status: func(message string) {
			api.Status.Ready = false
			api.Status.Status = "Maintenance"
			api.Status.Message = message
			if err := r.Status().Update(ctx, api); err != nil {
				log.V(1).Info("failed to publish maintenance status", "error", err.Error())
			}
		},
	}, log)
}

// syncCatalog re-asserts keystone's own catalog entries.
func (r *KeystoneAPIReconciler) syncCatalog(ctx context.Context, api *keystonev1beta1.KeystoneAPI, servicePassword, adminPassword string) error {
	manager := r.newManager(ctx, log.FromContext(ctx), api, servicePassword, adminPassword, container.Target{})
	return manager.UpdateServiceCatalog(ctx)
}

// ensureAdminPassword manages the cloud admin credentials secret. The
// leader generates it; everyone else waits for it to appear.
func (r *KeystoneAPIReconciler) ensureAdminPassword(ctx context.Context, api *keystonev1beta1.KeystoneAPI, store secrets.Store, leader bool) (string, error) {
	name := adminPasswordSecretName(api)

	if !leader {
		sec, err := store.Get(ctx, api.Namespace, name)
		if errors.IsNotFound(err) {
			return "", nil
		}
		if err != nil {
			return "", err
		}
		return string(sec.Data["password"]), nil
	}

	password, err := secrets.GeneratePassword(32)
	if err != nil {
		return "", err
	}
	sec, _, err := store.Ensure(ctx, api.Namespace, secrets.Secret{
		Name: name,
		Data: map[string][]byte{
			"username": []byte(api.Spec.AdminUser),
			"password": []byte(password),
		},
	}, api)
	if err != nil {
		return "", err
	}
	return string(sec.Data["password"]), nil
}

// ensureConfig renders the configuration file set into the config map and
// returns a checksum used to roll the workload on changes.
func (r *KeystoneAPIReconciler) ensureConfig(ctx context.Context, api *keystonev1beta1.KeystoneAPI, dbCtx render.DatabaseContext, loggingCtx render.LoggingContext, refs *peers.IdentityRefs) (string, error) {
	ksCtx := render.DefaultKeystoneContext()
	ksCtx.AdminRole = api.Spec.AdminRole
	ksCtx.ServiceProjectID = refs.ServiceProjectID
	ksCtx.AdminDomainName = keystone.AdminDomainName
	ksCtx.AdminDomainID = refs.AdminDomainID
	ksCtx.DefaultDomainID = refs.DefaultDomainID
	ksCtx.AdminPort = keystonev1beta1.AdminPort
	ksCtx.PublicPort = keystonev1beta1.PublicPort
	ksCtx.Debug = api.Spec.Debug
	ksCtx.TokenExpiration = api.Spec.TokenExpiration
	ksCtx.FernetMaxActiveKeys = api.Spec.FernetMaxActiveKeys
	ksCtx.PublicEndpoint = render.TrimEndpointVersion(api.PublicURL())
	ksCtx.AdminEndpoint = api.AdminURL()

	files, err := render.Files(render.Config{
		Keystone: ksCtx,
		Database: dbCtx,
		Logging:  loggingCtx,
		WSGI:     render.NewWSGIContext(keystonev1beta1.PublicPort, keystonev1beta1.AdminPort),
	})
	if err != nil {
		return "", err
	}

	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      configMapName(api),
			Namespace: api.Namespace,
		},
	}
	_, err = controllerutil.CreateOrUpdate(ctx, r.Client, cm, func() error {
		cm.Labels = labelsForKeystoneAPI(api.Name)
		cm.Data = files
		return controllerutil.SetControllerReference(api, cm, r.Scheme)
	})
	if err != nil {
		return "", err
	}
	return configChecksum(files), nil
}

func (r *KeystoneAPIReconciler) ensureServiceAccount(ctx context.Context, api *keystonev1beta1.KeystoneAPI) error {
	sa := &corev1.ServiceAccount{
		ObjectMeta: metav1.ObjectMeta{
			Name:      api.Name,
			Namespace: api.Namespace,
		},
	}
	_, err := controllerutil.CreateOrUpdate(ctx, r.Client, sa, func() error {
		sa.Labels = labelsForKeystoneAPI(api.Name)
		return controllerutil.SetControllerReference(api, sa, r.Scheme)
	})
	return err
}

func (r *KeystoneAPIReconciler) ensureDeployment(ctx context.Context, api *keystonev1beta1.KeystoneAPI, configHash string) error {
	replicas := int32(1)
	if api.Spec.Replicas != nil {
		replicas = *api.Spec.Replicas
	}

	configMode := int32(0640)
	secretMode := int32(0600)

	dep := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      api.Name,
			Namespace: api.Namespace,
		},
	}
	_, err := controllerutil.CreateOrUpdate(ctx, r.Client, dep, func() error {
		dep.Labels = labelsForKeystoneAPI(api.Name)
		dep.Spec.Replicas = &replicas
		dep.Spec.Selector = &metav1.LabelSelector{
			MatchLabels: labelsForKeystoneAPI(api.Name),
		}

		if dep.Spec.Template.Annotations == nil {
			dep.Spec.Template.Annotations = map[string]string{}
		}
		dep.Spec.Template.Annotations[configHashAnnotation] = configHash
		dep.Spec.Template.Labels = labelsForKeystoneAPI(api.Name)

		dep.Spec.Template.Spec.ServiceAccountName = api.Name
		dep.Spec.Template.Spec.Volumes = []corev1.Volume{
			{
				Name: "config",
				VolumeSource: corev1.VolumeSource{
					ConfigMap: &corev1.ConfigMapVolumeSource{
						LocalObjectReference: corev1.LocalObjectReference{Name: configMapName(api)},
						DefaultMode:          &configMode,
					},
				},
			},
			{Name: "fernet-keys", VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}},
			{Name: "credential-keys", VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}},
			{Name: "logs", VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}},
			{
				Name: "fernet-seed",
				VolumeSource: corev1.VolumeSource{
					Secret: &corev1.SecretVolumeSource{
						SecretName:  fernetKeysSecretName(api),
						Optional:    boolPointer(true),
						DefaultMode: &secretMode,
					},
				},
			},
			{
				Name: "credential-seed",
				VolumeSource: corev1.VolumeSource{
					Secret: &corev1.SecretVolumeSource{
						SecretName:  credentialKeysSecretName(api),
						Optional:    boolPointer(true),
						DefaultMode: &secretMode,
					},
				},
			},
		}

		dep.Spec.Template.Spec.Containers = []corev1.Container{
			{
				Name:    keystoneContainerName,
				Image:   api.Spec.Image,
				Command: []string{"/bin/sh", "-c", keystoneStartScript},
				Ports: []corev1.ContainerPort{
					{Name: "public", ContainerPort: keystonev1beta1.PublicPort},
					{Name: "admin", ContainerPort: keystonev1beta1.AdminPort},
				},
				VolumeMounts: []corev1.VolumeMount{
					{Name: "config", MountPath: render.KeystoneConfPath, SubPath: render.KeystoneConfKey},
					{Name: "config", MountPath: render.DatabaseConfPath, SubPath: render.DatabaseConfKey},
					{Name: "config", MountPath: render.LoggingConfPath, SubPath: render.LoggingConfKey},
					{Name: "config", MountPath: render.WSGIConfPath, SubPath: render.WSGIConfKey},
					{Name: "fernet-keys", MountPath: keystone.FernetKeyRepository},
					{Name: "credential-keys", MountPath: keystone.CredentialKeyRepository},
					{Name: "logs", MountPath: "/var/log/keystone"},
					{Name: "fernet-seed", MountPath: "/var/lib/keystone-seed/fernet-keys"},
					{Name: "credential-seed", MountPath: "/var/lib/keystone-seed/credential-keys"},
				},
				ReadinessProbe: &corev1.Probe{
					ProbeHandler: corev1.ProbeHandler{
						HTTPGet: &corev1.HTTPGetAction{
							Path: "/v3",
							Port: intstr.FromInt32(keystonev1beta1.PublicPort),
						},
					},
					InitialDelaySeconds: 10,
					PeriodSeconds:       10,
				},
				LivenessProbe: &corev1.Probe{
					ProbeHandler: corev1.ProbeHandler{
						HTTPGet: &corev1.HTTPGetAction{
							Path: "/v3",
							Port: intstr.FromInt32(keystonev1beta1.PublicPort),
						},
					},
					InitialDelaySeconds: 30,
					PeriodSeconds:       30,
				},
			},
		}

		return controllerutil.SetControllerReference(api, dep, r.Scheme)
	})
	return err
}

func (r *KeystoneAPIReconciler) ensureService(ctx context.Context, api *keystonev1beta1.KeystoneAPI) error {
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      api.Name,
			Namespace: api.Namespace,
		},
	}
	_, err := controllerutil.CreateOrUpdate(ctx, r.Client, svc, func() error {
		svc.Labels = labelsForKeystoneAPI(api.Name)
		svc.Spec.Selector = labelsForKeystoneAPI(api.Name)
		svc.Spec.Ports = []corev1.ServicePort{
			{
				Name:       "public",
				Port:       keystonev1beta1.PublicPort,
				TargetPort: intstr.FromInt32(keystonev1beta1.PublicPort),
				Protocol:   corev1.ProtocolTCP,
			},
			{
				Name:       "admin",
				Port:       keystonev1beta1.AdminPort,
				TargetPort: intstr.FromInt32(keystonev1beta1.AdminPort),
				Protocol:   corev1.ProtocolTCP,
			},
		}
		return controllerutil.SetControllerReference(api, svc, r.Scheme)
	})
	return err
}

func (r *KeystoneAPIReconciler) ensureIngress(ctx context.Context, api *keystonev1beta1.KeystoneAPI) error {
	ingress := &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{
			Name:      api.Name,
			Namespace: api.Namespace,
		},
	}

	if api.Spec.Ingress == nil || !api.Spec.Ingress.Enabled {
		err := r.Get(ctx, types.NamespacedName{Name: api.Name, Namespace: api.Namespace}, ingress)
		if errors.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		return r.Delete(ctx, ingress)
	}

	pathType := networkingv1.PathTypePrefix
	_, err := controllerutil.CreateOrUpdate(ctx, r.Client, ingress, func() error {
		ingress.Labels = labelsForKeystoneAPI(api.Name)
		ingress.Spec.IngressClassName = api.Spec.Ingress.ClassName
		ingress.Spec.Rules = []networkingv1.IngressRule{
			{
				Host: api.Spec.Ingress.Host,
				IngressRuleValue: networkingv1.IngressRuleValue{
					HTTP: &networkingv1.HTTPIngressRuleValue{
						Paths: []networkingv1.HTTPIngressPath{
							{
								Path:     "/",
								PathType: &pathType,
								Backend: networkingv1.IngressBackend{
									Service: &networkingv1.IngressServiceBackend{
										Name: api.Name,
										Port: networkingv1.ServiceBackendPort{Number: keystonev1beta1.PublicPort},
									},
								},
							},
						},
					},
				},
			},
		}
		return controllerutil.SetControllerReference(api, ingress, r.Scheme)
	})
	return err
}

// runningPod returns the name of a running keystone pod, or empty when
// none has started yet. Exec needs a running container, not a ready one.
func (r *KeystoneAPIReconciler) runningPod(ctx context.Context, api *keystonev1beta1.KeystoneAPI) (string, error) {
	podList := &corev1.PodList{}
	if err := r.List(ctx, podList,
		client.InNamespace(api.Namespace),
		client.MatchingLabels(labelsForKeystoneAPI(api.Name))); err != nil {
		return "", err
	}
	for _, pod := range podList.Items {
		if pod.Status.Phase != corev1.PodRunning || !pod.DeletionTimestamp.IsZero() {
			continue
		}
		for _, cs := range pod.Status.ContainerStatuses {
			if cs.Name == keystoneContainerName && cs.State.Running != nil {
				return pod.Name, nil
			}
		}
	}
	return "", nil
}

// harvestKeys copies the generated fernet and credential keys out of the
// workload container into their secrets.
func (r *KeystoneAPIReconciler) harvestKeys(ctx context.Context, api *keystonev1beta1.KeystoneAPI, store secrets.Store, target container.Target) error {
	repositories := []struct {
		path   string
		secret string
	}{
		{keystone.FernetKeyRepository, fernetKeysSecretName(api)},
		{keystone.CredentialKeyRepository, credentialKeysSecretName(api)},
	}
	for _, repo := range repositories {
		keys, err := r.Executor.FetchDir(ctx, target, repo.path)
		if err != nil {
			return fmt.Errorf("failed to fetch %s: %w", repo.path, err)
		}
		if len(keys) == 0 {
			return fmt.Errorf("no keys found in %s", repo.path)
		}
		if err := store.Apply(ctx, api.Namespace, secrets.Secret{
			Name: repo.secret,
			Data: keys,
		}, api); err != nil {
			return err
		}
	}
	return nil
}

// restartWorkload rolls the deployment so every pod reloads configuration
// and the seeded keys.
func (r *KeystoneAPIReconciler) restartWorkload(ctx context.Context, api *keystonev1beta1.KeystoneAPI) error {
	dep := &appsv1.Deployment{}
	if err := r.Get(ctx, types.NamespacedName{Name: api.Name, Namespace: api.Namespace}, dep); err != nil {
		return err
	}
	if dep.Spec.Template.Annotations == nil {
		dep.Spec.Template.Annotations = map[string]string{}
	}
	dep.Spec.Template.Annotations[restartedAtAnnotation] = time.Now().UTC().Format(time.RFC3339)
	return r.Update(ctx, dep)
}

func (r *KeystoneAPIReconciler) updateStatus(ctx context.Context, api *keystonev1beta1.KeystoneAPI, ready bool, status, message string) (ctrl.Result, error) {
	api.Status.Ready = ready
	api.Status.Status = status
	api.Status.Message = message

	if err := r.Status().Update(ctx, api); err != nil {
		return ctrl.Result{}, err
	}

	if ready {
		return ctrl.Result{RequeueAfter: GetSyncPeriod()}, nil
	}
	return ctrl.Result{RequeueAfter: ErrorRequeueDelay}, nil
}

// waitStatus reports a pending precondition. Not an error, checked again
// shortly.
func (r *KeystoneAPIReconciler) waitStatus(ctx context.Context, api *keystonev1beta1.KeystoneAPI, status, message string) (ctrl.Result, error) {
	api.Status.Ready = false
	api.Status.Status = status
	api.Status.Message = message

	if err := r.Status().Update(ctx, api); err != nil {
		return ctrl.Result{}, err
	}
	return ctrl.Result{RequeueAfter: RequeueDelay}, nil
}

// SetupWithManager sets up the controller with the Manager
func (r *KeystoneAPIReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&keystonev1beta1.KeystoneAPI{}).
		Owns(&appsv1.Deployment{}).
		Owns(&corev1.Service{}).
		Owns(&corev1.Secret{}).
		Owns(&corev1.ConfigMap{}).
		Complete(r)
}

func clientKeyForAPI(api *keystonev1beta1.KeystoneAPI) string {
	return fmt.Sprintf("%s/%s", api.Namespace, api.Name)
}

func labelsForKeystoneAPI(name string) map[string]string {
	return map[string]string{
		"app.kubernetes.io/name":       "keystone",
		"app.kubernetes.io/instance":   name,
		"app.kubernetes.io/managed-by": "keystone-operator",
	}
}

func configChecksum(files map[string]string) string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha256.New()
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte(files[name]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func boolPointer(b bool) *bool {
	return &b
}
