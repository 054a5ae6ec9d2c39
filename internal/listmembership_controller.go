package controller

import (
	"context"
	"fmt"

	"go.miloapis.com/email-provider-listapi/internal/util"
	"go.miloapis.com/email-provider-listapi/pkg/listapi"
	notificationmiloapiscomv1alpha1 "go.miloapis.com/milo/pkg/apis/notification/v1alpha1"

	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/finalizer"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
)

// ProviderName is the ContactGroup provider entry holding the list ID.
const ProviderName = "ListAPI"

const (
	// ListMembershipReadyCondition is set to true once the contact is subscribed to the list
	ListMembershipReadyCondition = "ListMembershipReady"
	// MembershipNotCreatedReason is set when the subscription was rejected or failed
	MembershipNotCreatedReason = "MembershipNotCreated"
	// MembershipCreatedReason is set when the contact is subscribed
	MembershipCreatedReason = "MembershipCreated"
	// MembershipNotFinalizedReason is set when the contact could not be unsubscribed
	MembershipNotFinalizedReason = "MembershipNotFinalized"
)

const (
	listMembershipFinalizerKey = "notification.miloapis.com/listapi-contact-group-membership"
	listMembershipFieldOwner   = "listapi-contactgroupmembership-controller"
)

// ListClientFactory returns a list client bound to listID.
type ListClientFactory func(listID string) (listapi.API, error)

// NewListClientFactory builds clients from cfg, one per list.
func NewListClientFactory(cfg listapi.Config, opts ...listapi.ClientOption) ListClientFactory {
	return func(listID string) (listapi.API, error) {
		c, err := cfg.NewListClient(listID, opts...)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// ListMembershipController keeps list subscriptions in line with ContactGroupMemberships.
type ListMembershipController struct {
	Client     client.Client
	Finalizers finalizer.Finalizers
	Lists      ListClientFactory
}

type listMembershipFinalizer struct {
	Client client.Client
	Lists  ListClientFactory
}

func (f *listMembershipFinalizer) Finalize(ctx context.Context, obj client.Object) (finalizer.Result, error) {
	log := logf.FromContext(ctx).WithValues("finalizer", "ListMembershipFinalizer", "trigger", obj.GetName())
	log.Info("Finalizing ContactGroupMembership")

	cgm, ok := obj.(*notificationmiloapiscomv1alpha1.ContactGroupMembership)
	if !ok {
		return finalizer.Result{}, fmt.Errorf("object is not a ContactGroupMembership")
	}

	var finalizerError error

	contact, contactGroup, err := getReferencedResources(ctx, f.Client, cgm)
	if err != nil {
		if errors.IsNotFound(err) {
			log.Info("Referenced resource gone, nothing to unsubscribe")
			return finalizer.Result{}, nil
		}
		finalizerError = fmt.Errorf("failed to get referenced resources: %w", err)
	}

	if finalizerError == nil {
		if err := removeContactFromList(ctx, f.Lists, contact, contactGroup); err != nil {
			log.Error(err, "Failed to unsubscribe contact from list")
			finalizerError = fmt.Errorf("failed to unsubscribe contact from list: %w", err)
		}
	}

	if finalizerError == nil {
		return finalizer.Result{}, nil
	}

	original := cgm.DeepCopy()
	oldStatus := cgm.Status.DeepCopy()

	meta.SetStatusCondition(&cgm.Status.Conditions, metav1.Condition{
		Type:               ListMembershipReadyCondition,
		Status:             metav1.ConditionFalse,
		Reason:             MembershipNotFinalizedReason,
		Message:            fmt.Sprintf("Contact not removed from list: %s", finalizerError.Error()),
		LastTransitionTime: metav1.Now(),
		ObservedGeneration: cgm.GetGeneration(),
	})

	if err := util.PatchStatusIfChanged(ctx, util.StatusPatchParams{
		Client:     f.Client,
		Logger:     log,
		Object:     cgm,
		Original:   original,
		OldStatus:  oldStatus,
		NewStatus:  &cgm.Status,
		FieldOwner: listMembershipFieldOwner,
	}); err != nil {
		return finalizer.Result{}, fmt.Errorf("failed to patch contactgroupmembership status in finalizer: %w", err)
	}

	return finalizer.Result{}, finalizerError
}

// +kubebuilder:rbac:groups=notification.miloapis.com,resources=contacts;contactgroups,verbs=get;list;watch
// +kubebuilder:rbac:groups=notification.miloapis.com,resources=contactgroupmemberships,verbs=get;list;watch;update
// +kubebuilder:rbac:groups=notification.miloapis.com,resources=contactgroupmemberships/status,verbs=get;update;patch
// +kubebuilder:rbac:groups=notification.miloapis.com,resources=contactgroupmemberships/finalizers,verbs=update

// Reconcile subscribes the referenced Contact to the list behind the referenced ContactGroup.
func (r *ListMembershipController) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	log := logf.FromContext(ctx).WithValues("controller", "ListMembershipController", "trigger", req.NamespacedName)
	log.Info("Starting reconciliation")

	cgm := &notificationmiloapiscomv1alpha1.ContactGroupMembership{}
	if err := r.Client.Get(ctx, req.NamespacedName, cgm); err != nil {
		if errors.IsNotFound(err) {
			log.Info("ContactGroupMembership not found. Probably deleted.")
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, fmt.Errorf("failed to get contactgroupmembership: %w", err)
	}

	finalizeResult, err := r.Finalizers.Finalize(ctx, cgm)
	if err != nil {
		return ctrl.Result{}, fmt.Errorf("failed to run finalizers for ContactGroupMembership: %w", err)
	}
	if finalizeResult.Updated {
		log.Info("finalizer updated the contactgroupmembership object, updating API server")
		if updateErr := r.Client.Update(ctx, cgm); updateErr != nil {
			if errors.IsConflict(updateErr) {
				log.Info("Conflict updating ContactGroupMembership after finalizer update; requeuing")
				return ctrl.Result{Requeue: true}, nil
			}
			return ctrl.Result{}, updateErr
		}
		return ctrl.Result{}, nil
	}
	if !cgm.GetDeletionTimestamp().IsZero() {
		return ctrl.Result{}, nil
	}

	readyCond := meta.FindStatusCondition(cgm.Status.Conditions, ListMembershipReadyCondition)
	if readyCond != nil && readyCond.Status == metav1.ConditionTrue && readyCond.ObservedGeneration == cgm.GetGeneration() {
		log.Info("Contact already subscribed")
		return ctrl.Result{}, nil
	}

	contact, contactGroup, err := getReferencedResources(ctx, r.Client, cgm)
	if err != nil {
		return ctrl.Result{}, fmt.Errorf("failed to get referenced resources: %w", err)
	}

	oldStatus := cgm.Status.DeepCopy()
	original := cgm.DeepCopy()

	listID, reconcileError := addContactToList(ctx, r.Lists, contact, contactGroup)
	if reconcileError != nil {
		log.Error(reconcileError, "Failed to subscribe contact to list")
		meta.SetStatusCondition(&cgm.Status.Conditions, metav1.Condition{
			Type:               ListMembershipReadyCondition,
			Status:             metav1.ConditionFalse,
			Reason:             MembershipNotCreatedReason,
			Message:            fmt.Sprintf("Contact not subscribed on email provider: %s", reconcileError.Error()),
			LastTransitionTime: metav1.Now(),
			ObservedGeneration: cgm.GetGeneration(),
		})
	} else {
		log.Info("Contact subscribed", "list", listID)
		meta.SetStatusCondition(&cgm.Status.Conditions, metav1.Condition{
			Type:               ListMembershipReadyCondition,
			Status:             metav1.ConditionTrue,
			Reason:             MembershipCreatedReason,
			Message:            "Contact subscribed on email provider",
			LastTransitionTime: metav1.Now(),
			ObservedGeneration: cgm.GetGeneration(),
		})
		cgm.Status.Providers = []notificationmiloapiscomv1alpha1.ContactProviderStatus{
			{
				Name: ProviderName,
				ID:   listID,
			},
		}
	}

	if err := util.PatchStatusIfChanged(ctx, util.StatusPatchParams{
		Client:     r.Client,
		Logger:     log,
		Object:     cgm,
		Original:   original,
		OldStatus:  oldStatus,
		NewStatus:  &cgm.Status,
		FieldOwner: listMembershipFieldOwner,
	}); err != nil {
		return ctrl.Result{}, err
	}

	if reconcileError != nil {
		return ctrl.Result{}, reconcileError
	}

	log.Info("ContactGroupMembership reconciled")
	return ctrl.Result{}, nil
}

// SetupWithManager sets up the controller with the Manager.
func (r *ListMembershipController) SetupWithManager(mgr ctrl.Manager) error {
	if err := r.registerFinalizers(); err != nil {
		return err
	}

	return ctrl.NewControllerManagedBy(mgr).
		For(&notificationmiloapiscomv1alpha1.ContactGroupMembership{}).
		Named("listapicontactgroupmembership").
		Complete(r)
}

func (r *ListMembershipController) registerFinalizers() error {
	r.Finalizers = finalizer.NewFinalizers()
	if err := r.Finalizers.Register(listMembershipFinalizerKey, &listMembershipFinalizer{
		Client: r.Client,
		Lists:  r.Lists,
	}); err != nil {
		return fmt.Errorf("failed to register list membership finalizer: %w", err)
	}
	return nil
}

func addContactToList(ctx context.Context, lists ListClientFactory, c *notificationmiloapiscomv1alpha1.Contact, cg *notificationmiloapiscomv1alpha1.ContactGroup) (string, error) {
	log := logf.FromContext(ctx).WithValues("contact", c.Name, "contactGroup", cg.Name)

	listID, lc, err := listClientFor(lists, cg)
	if err != nil {
		return "", err
	}

	log.Info("Subscribing contact to list", "list", listID)
	res, err := lc.Subscribe(ctx, c.Spec.Email, mergeFields(c))
	if err != nil {
		return listID, fmt.Errorf("failed to subscribe contact: %w", err)
	}
	if !res.Success {
		return listID, fmt.Errorf("subscription rejected: %s", res.Message)
	}

	return listID, nil
}

func removeContactFromList(ctx context.Context, lists ListClientFactory, c *notificationmiloapiscomv1alpha1.Contact, cg *notificationmiloapiscomv1alpha1.ContactGroup) error {
	log := logf.FromContext(ctx).WithValues("contact", c.Name, "contactGroup", cg.Name)

	listID, lc, err := listClientFor(lists, cg)
	if err != nil {
		return err
	}

	info, err := lc.MemberInfo(ctx, c.Spec.Email)
	if err != nil {
		return fmt.Errorf("failed to look up list member: %w", err)
	}
	if !info.Success {
		if !info.Responded {
			return fmt.Errorf("list provider unavailable: %s", info.Message)
		}
		log.Info("Contact is not a list member, probably unsubscribed already", "list", listID)
		return nil
	}

	log.Info("Unsubscribing contact from list", "list", listID)
	res, err := lc.Unsubscribe(ctx, c.Spec.Email)
	if err != nil {
		return fmt.Errorf("failed to unsubscribe contact: %w", err)
	}
	if !res.Success {
		return fmt.Errorf("unsubscribe rejected: %s", res.Message)
	}

	return nil
}

func listClientFor(lists ListClientFactory, cg *notificationmiloapiscomv1alpha1.ContactGroup) (string, listapi.API, error) {
	listID, err := getListID(cg)
	if err != nil {
		return "", nil, err
	}
	lc, err := lists(listID)
	if err != nil {
		return listID, nil, fmt.Errorf("failed to create list client: %w", err)
	}
	return listID, lc, nil
}

func mergeFields(c *notificationmiloapiscomv1alpha1.Contact) listapi.MergeFields {
	fields := listapi.MergeFields{}
	if c.Spec.GivenName != "" {
		fields["FNAME"] = c.Spec.GivenName
	}
	if c.Spec.FamilyName != "" {
		fields["LNAME"] = c.Spec.FamilyName
	}
	return fields
}

func getListID(cg *notificationmiloapiscomv1alpha1.ContactGroup) (string, error) {
	for _, provider := range cg.Spec.Providers {
		if provider.Name == ProviderName && provider.ID != "" {
			return provider.ID, nil
		}
	}

	return "", fmt.Errorf("list ID not found for contact group %s/%s", cg.Namespace, cg.Name)
}

func getReferencedResources(ctx context.Context, k8sClient client.Client, cgm *notificationmiloapiscomv1alpha1.ContactGroupMembership) (*notificationmiloapiscomv1alpha1.Contact, *notificationmiloapiscomv1alpha1.ContactGroup, error) {
	contact := &notificationmiloapiscomv1alpha1.Contact{}
	err := k8sClient.Get(ctx, client.ObjectKey{Name: cgm.Spec.ContactRef.Name, Namespace: cgm.Spec.ContactRef.Namespace}, contact)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get Contact: %w", err)
	}

	contactGroup := &notificationmiloapiscomv1alpha1.ContactGroup{}
	err = k8sClient.Get(ctx, client.ObjectKey{Name: cgm.Spec.ContactGroupRef.Name, Namespace: cgm.Spec.ContactGroupRef.Namespace}, contactGroup)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get ContactGroup: %w", err)
	}

	return contact, contactGroup, nil
}
