package controller

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/handler"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	keystonev1beta1 "github.com/sunbeam-operators/keystone-operator/api/v1beta1"
	"github.com/sunbeam-operators/keystone-operator/internal/keystone"
	"github.com/sunbeam-operators/keystone-operator/internal/leadership"
	"github.com/sunbeam-operators/keystone-operator/internal/peers"
	"github.com/sunbeam-operators/keystone-operator/internal/secrets"
)

// KeystoneServiceReconciler reconciles a KeystoneService object
type KeystoneServiceReconciler struct {
	client.Client
	Scheme        *runtime.Scheme
	ClientManager *keystone.ClientManager
	Leadership    leadership.Tracker
}

// +kubebuilder:rbac:groups=keystone.sunbeam-operators.io,resources=keystoneservices,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups=keystone.sunbeam-operators.io,resources=keystoneservices/status,verbs=get;update;patch
// +kubebuilder:rbac:groups=keystone.sunbeam-operators.io,resources=keystoneservices/finalizers,verbs=update
// +kubebuilder:rbac:groups=keystone.sunbeam-operators.io,resources=keystoneapis,verbs=get;list;watch
// +kubebuilder:rbac:groups="",resources=secrets,verbs=get;list;watch;create;update;patch;delete

// Reconcile registers a consuming service with keystone: a service
// account, a catalog entry with its endpoints, and a credentials secret
// carrying the full identity connection data.
func (r *KeystoneServiceReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	log := log.FromContext(ctx)
	startTime := time.Now()
	controllerName := "KeystoneService"

	// Fetch the KeystoneService
	svc := &keystonev1beta1.KeystoneService{}
	if err := r.Get(ctx, req.NamespacedName, svc); err != nil {
		if errors.IsNotFound(err) {
			return ctrl.Result{}, nil
		}
		log.Error(err, "unable to fetch KeystoneService")
		RecordReconcile(controllerName, false, time.Since(startTime).Seconds())
		RecordError(controllerName, "fetch_error")
		return ctrl.Result{}, err
	}

	// Defer metrics recording
	defer func() {
		RecordReconcile(controllerName, svc.Status.Ready, time.Since(startTime).Seconds())
	}()

	// Handle deletion
	if !svc.DeletionTimestamp.IsZero() {
		if controllerutil.ContainsFinalizer(svc, FinalizerName) {
			if err := r.deregister(ctx, svc); err != nil {
				log.Error(err, "failed to deregister service from keystone")
				// Continue with finalizer removal even on error
			}

			controllerutil.RemoveFinalizer(svc, FinalizerName)
			if err := r.Update(ctx, svc); err != nil {
				return ctrl.Result{}, err
			}
		}
		return ctrl.Result{}, nil
	}

	// Add finalizer if not present
	if !controllerutil.ContainsFinalizer(svc, FinalizerName) {
		controllerutil.AddFinalizer(svc, FinalizerName)
		if err := r.Update(ctx, svc); err != nil {
			return ctrl.Result{}, err
		}
		return ctrl.Result{Requeue: true}, nil
	}

	// Registration proceeds only once every piece of requirer data is
	// present and non-empty
	if missing := keystonev1beta1.MissingRequirerKeys(svc.RequirerData()); len(missing) > 0 {
		RecordError(controllerName, "incomplete_relation_data")
		return r.updateStatus(ctx, svc, false, "WaitingForData",
			fmt.Sprintf("Missing required data: %s", strings.Join(missing, " ")))
	}

	api, err := r.getKeystoneAPI(ctx, svc)
	if err != nil {
		RecordError(controllerName, "api_not_ready")
		return r.updateStatus(ctx, svc, false, "APINotReady", err.Error())
	}

	// Only the leader writes to keystone and to the peer-owned secrets
	if !r.Leadership.IsLeader() {
		return r.updateStatus(ctx, svc, false, "WaitingForLeader", "Waiting for leader to register service")
	}

	manager, err := r.managerForAPI(ctx, api)
	if err != nil {
		RecordError(controllerName, "api_not_ready")
		return r.updateStatus(ctx, svc, false, "APINotReady", err.Error())
	}

	// Service account with a stable password
	password, fresh, err := r.servicePassword(ctx, svc)
	if err != nil {
		return ctrl.Result{}, err
	}
	username := serviceUsername(svc)
	user, created, err := manager.EnsureServiceAccount(ctx, username, password)
	if err != nil {
		RecordError(controllerName, "keystone_api_error")
		return r.updateStatus(ctx, svc, false, "AccountFailed", fmt.Sprintf("Failed to ensure service account: %v", err))
	}
	if fresh && !created {
		// The stored password was lost; reset the account to match
		if err := manager.UpdateUserPassword(ctx, user, password); err != nil {
			RecordError(controllerName, "keystone_api_error")
			return r.updateStatus(ctx, svc, false, "AccountFailed", fmt.Sprintf("Failed to reset service account password: %v", err))
		}
	}

	// Catalog entry and endpoints in the requested region
	service, err := r.registerEndpoints(ctx, manager, svc, api)
	if err != nil {
		RecordError(controllerName, "keystone_api_error")
		return r.updateStatus(ctx, svc, false, "RegistrationFailed", fmt.Sprintf("Failed to register service: %v", err))
	}

	// Publish the provider side of the relation
	if err := r.publishCredentials(ctx, svc, api, manager, user, password); err != nil {
		RecordError(controllerName, "credentials_error")
		return r.updateStatus(ctx, svc, false, "CredentialsFailed", fmt.Sprintf("Failed to publish credentials: %v", err))
	}

	svc.Status.ServiceID = service.ID
	svc.Status.UserID = user.ID
	svc.Status.CredentialsSecret = credentialsSecretName(svc)
	return r.updateStatus(ctx, svc, true, "Ready", "Service registered")
}

// getKeystoneAPI resolves the referenced KeystoneAPI and checks it has been
// bootstrapped.
func (r *KeystoneServiceReconciler) getKeystoneAPI(ctx context.Context, svc *keystonev1beta1.KeystoneService) (*keystonev1beta1.KeystoneAPI, error) {
	apiNamespace := svc.Namespace
	if svc.Spec.APIRef.Namespace != nil {
		apiNamespace = *svc.Spec.APIRef.Namespace
	}
	apiName := types.NamespacedName{
		Name:      svc.Spec.APIRef.Name,
		Namespace: apiNamespace,
	}

	api := &keystonev1beta1.KeystoneAPI{}
	if err := r.Get(ctx, apiName, api); err != nil {
		return nil, fmt.Errorf("failed to get KeystoneAPI %s: %w", apiName, err)
	}
	if !api.Status.Bootstrapped {
		return nil, fmt.Errorf("KeystoneAPI %s is not bootstrapped", apiName)
	}
	return api, nil
}

// managerForAPI builds a keystone manager bound to the referenced
// deployment.
func (r *KeystoneServiceReconciler) managerForAPI(ctx context.Context, api *keystonev1beta1.KeystoneAPI) (*keystone.Manager, error) {
	cfg, err := GetKeystoneConfigFromAPI(ctx, r.Client, api)
	if err != nil {
		return nil, err
	}
	kc := r.ClientManager.GetOrCreateClient(clientKeyForAPI(api), cfg)

	return keystone.NewManager(keystone.ManagerConfig{
		Client: kc,
		Deployment: keystone.Deployment{
			AdminUser:      api.Spec.AdminUser,
			AdminRole:      api.Spec.AdminRole,
			ServiceProject: api.Spec.ServiceProject,
			Regions:        api.Regions(),
			AdminURL:       api.AdminURL(),
			InternalURL:    api.InternalURL(),
			PublicURL:      api.PublicURL(),
		},
	}, log.FromContext(ctx)), nil
}

// servicePassword returns the service account password, reusing the one in
// the credentials secret when present. fresh reports a newly generated
// password.
func (r *KeystoneServiceReconciler) servicePassword(ctx context.Context, svc *keystonev1beta1.KeystoneService) (string, bool, error) {
	store := secrets.NewK8sStore(r.Client, r.Scheme)
	sec, err := store.Get(ctx, svc.Namespace, credentialsSecretName(svc))
	if err == nil {
		if password := string(sec.Data[keystonev1beta1.KeyServicePassword]); password != "" {
			return password, false, nil
		}
	} else if !errors.IsNotFound(err) {
		return "", false, err
	}

	password, err := secrets.GeneratePassword(32)
	if err != nil {
		return "", false, err
	}
	return password, true, nil
}

// registerEndpoints ensures the catalog service, its region and its three
// endpoints.
func (r *KeystoneServiceReconciler) registerEndpoints(ctx context.Context, manager *keystone.Manager, svc *keystonev1beta1.KeystoneService, api *keystonev1beta1.KeystoneAPI) (*keystone.Service, error) {
	serviceType := svc.Spec.ServiceType
	if serviceType == "" {
		serviceType = svc.Spec.Service
	}
	service, err := manager.EnsureService(ctx, svc.Spec.Service, serviceType, "Created by Keystone operator", true)
	if err != nil {
		return nil, err
	}

	region := svc.Spec.Region
	if region == "" {
		region = api.Regions()[0]
	}
	if _, err := manager.EnsureRegion(ctx, region, true); err != nil {
		return nil, err
	}

	endpoints := []struct {
		iface string
		url   string
	}{
		{"admin", svc.Spec.AdminUrl},
		{"internal", svc.Spec.InternalUrl},
		{"public", svc.Spec.PublicUrl},
	}
	for _, endpoint := range endpoints {
		if _, err := manager.EnsureEndpoint(ctx, service, endpoint.iface, region, endpoint.url, true); err != nil {
			return nil, err
		}
	}
	return service, nil
}

// publishCredentials writes the provider data bag into the credentials
// secret.
func (r *KeystoneServiceReconciler) publishCredentials(ctx context.Context, svc *keystonev1beta1.KeystoneService, api *keystonev1beta1.KeystoneAPI, manager *keystone.Manager, user *keystone.User, password string) error {
	store := secrets.NewK8sStore(r.Client, r.Scheme)
	bag := peers.New(store, api.Namespace, api.Name)
	refs, err := bag.Refs(ctx)
	if err != nil {
		return err
	}

	adminUser, err := manager.GetUser(ctx, refs.AdminUser, refs.AdminDomainID)
	if err != nil {
		return err
	}
	adminUserID := ""
	if adminUser != nil {
		adminUserID = adminUser.ID
	}

	authProtocol, authHost, authPort, err := splitEndpoint(api.AdminURL())
	if err != nil {
		return err
	}
	internalProtocol, internalHost, internalPort, err := splitEndpoint(api.InternalURL())
	if err != nil {
		return err
	}

	data := map[string][]byte{
		keystonev1beta1.KeyAdminDomainID:    []byte(refs.AdminDomainID),
		keystonev1beta1.KeyAdminProjectID:   []byte(refs.AdminProjectID),
		keystonev1beta1.KeyAdminUserID:      []byte(adminUserID),
		keystonev1beta1.KeyAPIVersion:       []byte(keystonev1beta1.APIVersion),
		keystonev1beta1.KeyAuthHost:         []byte(authHost),
		keystonev1beta1.KeyAuthPort:         []byte(authPort),
		keystonev1beta1.KeyAuthProtocol:     []byte(authProtocol),
		keystonev1beta1.KeyInternalHost:     []byte(internalHost),
		keystonev1beta1.KeyInternalPort:     []byte(internalPort),
		keystonev1beta1.KeyInternalProtocol: []byte(internalProtocol),
		keystonev1beta1.KeyServiceDomain:    []byte(keystone.ServiceDomainName),
		keystonev1beta1.KeyServiceDomainID:  []byte(refs.ServiceDomainID),
		keystonev1beta1.KeyServiceHost:      []byte(internalHost),
		keystonev1beta1.KeyServicePassword:  []byte(password),
		keystonev1beta1.KeyServicePort:      []byte(internalPort),
		keystonev1beta1.KeyServiceProtocol:  []byte(internalProtocol),
		keystonev1beta1.KeyServiceProject:   []byte(api.Spec.ServiceProject),
		keystonev1beta1.KeyServiceProjectID: []byte(refs.ServiceProjectID),
		keystonev1beta1.KeyServiceUsername:  []byte(user.Name),
	}
	return store.Apply(ctx, svc.Namespace, secrets.Secret{
		Name: credentialsSecretName(svc),
		Data: data,
	}, svc)
}

// deregister removes the endpoints, catalog entry and service account of a
// deleted KeystoneService.
func (r *KeystoneServiceReconciler) deregister(ctx context.Context, svc *keystonev1beta1.KeystoneService) error {
	api, err := r.getKeystoneAPI(ctx, svc)
	if err != nil {
		return err
	}
	manager, err := r.managerForAPI(ctx, api)
	if err != nil {
		return err
	}
	return manager.DeregisterService(ctx, svc.Spec.Service, serviceUsername(svc))
}

func (r *KeystoneServiceReconciler) updateStatus(ctx context.Context, svc *keystonev1beta1.KeystoneService, ready bool, status, message string) (ctrl.Result, error) {
	svc.Status.Ready = ready
	svc.Status.Status = status
	svc.Status.Message = message

	// Update conditions
	condition := metav1.Condition{
		Type:               "Ready",
		Status:             metav1.ConditionFalse,
		Reason:             status,
		Message:            message,
		LastTransitionTime: metav1.Now(),
	}
	if ready {
		condition.Status = metav1.ConditionTrue
	}

	// Update or add condition
	found := false
	for i, c := range svc.Status.Conditions {
		if c.Type == "Ready" {
			svc.Status.Conditions[i] = condition
			found = true
			break
		}
	}
	if !found {
		svc.Status.Conditions = append(svc.Status.Conditions, condition)
	}

	if err := r.Status().Update(ctx, svc); err != nil {
		return ctrl.Result{}, err
	}

	if ready {
		return ctrl.Result{RequeueAfter: GetSyncPeriod()}, nil
	}
	return ctrl.Result{RequeueAfter: ErrorRequeueDelay}, nil
}

// SetupWithManager sets up the controller with the Manager
func (r *KeystoneServiceReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&keystonev1beta1.KeystoneService{}).
		Watches(&keystonev1beta1.KeystoneAPI{},
			handler.EnqueueRequestsFromMapFunc(r.findServicesForAPI)).
		Complete(r)
}

// findServicesForAPI maps a KeystoneAPI event to the KeystoneServices
// referencing it, so registrations retry as soon as bootstrap completes.
func (r *KeystoneServiceReconciler) findServicesForAPI(ctx context.Context, obj client.Object) []reconcile.Request {
	api, ok := obj.(*keystonev1beta1.KeystoneAPI)
	if !ok {
		return nil
	}

	services := &keystonev1beta1.KeystoneServiceList{}
	if err := r.List(ctx, services); err != nil {
		return nil
	}

	var requests []reconcile.Request
	for _, svc := range services.Items {
		refNamespace := svc.Namespace
		if svc.Spec.APIRef.Namespace != nil {
			refNamespace = *svc.Spec.APIRef.Namespace
		}
		if svc.Spec.APIRef.Name == api.Name && refNamespace == api.Namespace {
			requests = append(requests, reconcile.Request{
				NamespacedName: types.NamespacedName{
					Name:      svc.Name,
					Namespace: svc.Namespace,
				},
			})
		}
	}
	return requests
}

func serviceUsername(svc *keystonev1beta1.KeystoneService) string {
	return fmt.Sprintf("svc_%s", svc.Spec.Service)
}

// splitEndpoint breaks an endpoint URL into protocol, host and port.
func splitEndpoint(endpoint string) (protocol, host, port string, err error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to parse endpoint %s: %w", endpoint, err)
	}
	protocol = parsed.Scheme
	host = parsed.Hostname()
	port = parsed.Port()
	if port == "" {
		switch protocol {
		case "https":
			port = "443"
		default:
			port = "80"
		}
	}
	return protocol, host, port, nil
}
