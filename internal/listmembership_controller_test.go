package controller

import (
	"context"
	"fmt"
	"reflect"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"go.miloapis.com/email-provider-listapi/pkg/listapi"
	notificationmiloapiscomv1alpha1 "go.miloapis.com/milo/pkg/apis/notification/v1alpha1"

	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
)

type fakeListClient struct {
	subscribeResult   *listapi.Result
	memberInfoResult  *listapi.Result
	unsubscribeResult *listapi.Result

	subscribed   []listapi.MergeFields
	unsubscribed []string
}

func (f *fakeListClient) Subscribe(_ context.Context, email string, fields listapi.MergeFields) (*listapi.Result, error) {
	f.subscribed = append(f.subscribed, fields)
	return f.subscribeResult, nil
}

func (f *fakeListClient) MemberInfo(_ context.Context, _ string) (*listapi.Result, error) {
	return f.memberInfoResult, nil
}

func (f *fakeListClient) Unsubscribe(_ context.Context, email string) (*listapi.Result, error) {
	f.unsubscribed = append(f.unsubscribed, email)
	return f.unsubscribeResult, nil
}

// setGroupProvider appends a provider entry without depending on the element type name.
func setGroupProvider(group *notificationmiloapiscomv1alpha1.ContactGroup, name, id string) {
	providers := reflect.ValueOf(&group.Spec.Providers).Elem()
	entry := reflect.New(providers.Type().Elem()).Elem()
	entry.FieldByName("Name").SetString(name)
	entry.FieldByName("ID").SetString(id)
	providers.Set(reflect.Append(providers, entry))
}

var _ = Describe("ListMembershipController", func() {
	var (
		ctx        context.Context
		k8sClient  client.Client
		list       *fakeListClient
		requested  []string
		controller *ListMembershipController
		key        types.NamespacedName
	)

	newObjects := func(withProvider bool) []client.Object {
		contact := &notificationmiloapiscomv1alpha1.Contact{
			ObjectMeta: metav1.ObjectMeta{Name: "jane", Namespace: "default"},
		}
		contact.Spec.Email = "jane@example.com"
		contact.Spec.GivenName = "Jane"
		contact.Spec.FamilyName = "Doe"

		group := &notificationmiloapiscomv1alpha1.ContactGroup{
			ObjectMeta: metav1.ObjectMeta{Name: "newsletter", Namespace: "default"},
		}
		if withProvider {
			setGroupProvider(group, ProviderName, "list-1")
		}

		cgm := &notificationmiloapiscomv1alpha1.ContactGroupMembership{
			ObjectMeta: metav1.ObjectMeta{Name: "jane-newsletter", Namespace: "default"},
			Spec: notificationmiloapiscomv1alpha1.ContactGroupMembershipSpec{
				ContactRef: notificationmiloapiscomv1alpha1.ContactReference{
					Name:      "jane",
					Namespace: "default",
				},
				ContactGroupRef: notificationmiloapiscomv1alpha1.ContactGroupReference{
					Name:      "newsletter",
					Namespace: "default",
				},
			},
		}

		return []client.Object{contact, group, cgm}
	}

	setup := func(withProvider bool) {
		scheme := runtime.NewScheme()
		Expect(notificationmiloapiscomv1alpha1.AddToScheme(scheme)).To(Succeed())

		k8sClient = fake.NewClientBuilder().
			WithScheme(scheme).
			WithObjects(newObjects(withProvider)...).
			WithStatusSubresource(&notificationmiloapiscomv1alpha1.ContactGroupMembership{}).
			Build()

		controller = &ListMembershipController{
			Client: k8sClient,
			Lists: func(listID string) (listapi.API, error) {
				requested = append(requested, listID)
				return list, nil
			},
		}
		Expect(controller.registerFinalizers()).To(Succeed())
	}

	reconcile := func() error {
		_, err := controller.Reconcile(ctx, ctrl.Request{NamespacedName: key})
		return err
	}

	getMembership := func() *notificationmiloapiscomv1alpha1.ContactGroupMembership {
		cgm := &notificationmiloapiscomv1alpha1.ContactGroupMembership{}
		Expect(k8sClient.Get(ctx, key, cgm)).To(Succeed())
		return cgm
	}

	BeforeEach(func() {
		ctx = context.Background()
		key = types.NamespacedName{Name: "jane-newsletter", Namespace: "default"}
		requested = nil
		list = &fakeListClient{
			subscribeResult:   &listapi.Result{Success: true, Message: listapi.MessageSubscribed},
			memberInfoResult:  &listapi.Result{Success: true, Data: []any{}, Responded: true},
			unsubscribeResult: &listapi.Result{Success: true, Responded: true},
		}
	})

	It("adds the finalizer before subscribing", func() {
		setup(true)

		Expect(reconcile()).To(Succeed())

		cgm := getMembership()
		Expect(cgm.GetFinalizers()).To(ContainElement(listMembershipFinalizerKey))
		Expect(list.subscribed).To(BeEmpty())
	})

	It("subscribes the contact with its name as merge fields", func() {
		setup(true)

		Expect(reconcile()).To(Succeed())
		Expect(reconcile()).To(Succeed())

		Expect(requested).To(ConsistOf("list-1"))
		Expect(list.subscribed).To(HaveLen(1))
		Expect(list.subscribed[0]).To(Equal(listapi.MergeFields{"FNAME": "Jane", "LNAME": "Doe"}))

		cgm := getMembership()
		cond := meta.FindStatusCondition(cgm.Status.Conditions, ListMembershipReadyCondition)
		Expect(cond).NotTo(BeNil())
		Expect(cond.Status).To(Equal(metav1.ConditionTrue))
		Expect(cond.Reason).To(Equal(MembershipCreatedReason))
		Expect(cgm.Status.Providers).To(HaveLen(1))
		Expect(cgm.Status.Providers[0].ID).To(Equal("list-1"))

		By("skipping the provider once the membership is ready")
		Expect(reconcile()).To(Succeed())
		Expect(list.subscribed).To(HaveLen(1))
	})

	It("records a rejected subscription", func() {
		list.subscribeResult = &listapi.Result{Success: false, Message: listapi.MessageInvalidEmail}
		setup(true)

		Expect(reconcile()).To(Succeed())
		err := reconcile()
		Expect(err).To(MatchError(ContainSubstring(listapi.MessageInvalidEmail)))

		cond := meta.FindStatusCondition(getMembership().Status.Conditions, ListMembershipReadyCondition)
		Expect(cond).NotTo(BeNil())
		Expect(cond.Status).To(Equal(metav1.ConditionFalse))
		Expect(cond.Reason).To(Equal(MembershipNotCreatedReason))
	})

	It("fails when the contact group has no list", func() {
		setup(false)

		Expect(reconcile()).To(Succeed())
		Expect(reconcile()).To(MatchError(ContainSubstring("list ID not found")))
		Expect(requested).To(BeEmpty())
	})

	It("surfaces list client construction errors", func() {
		setup(true)
		controller.Lists = func(string) (listapi.API, error) {
			return nil, fmt.Errorf("boom")
		}

		Expect(reconcile()).To(Succeed())
		Expect(reconcile()).To(MatchError(ContainSubstring("boom")))
	})

	It("unsubscribes the contact when the membership is deleted", func() {
		setup(true)
		Expect(reconcile()).To(Succeed())
		Expect(reconcile()).To(Succeed())

		Expect(k8sClient.Delete(ctx, getMembership())).To(Succeed())
		Expect(reconcile()).To(Succeed())

		Expect(list.unsubscribed).To(ConsistOf("jane@example.com"))
		err := k8sClient.Get(ctx, key, &notificationmiloapiscomv1alpha1.ContactGroupMembership{})
		Expect(errors.IsNotFound(err)).To(BeTrue())
	})

	It("skips unsubscribe when the contact is no longer a member", func() {
		list.memberInfoResult = &listapi.Result{Success: false, Message: listapi.MessageNotSubscribed, Responded: true}
		setup(true)
		Expect(reconcile()).To(Succeed())

		Expect(k8sClient.Delete(ctx, getMembership())).To(Succeed())
		Expect(reconcile()).To(Succeed())

		Expect(list.unsubscribed).To(BeEmpty())
		err := k8sClient.Get(ctx, key, &notificationmiloapiscomv1alpha1.ContactGroupMembership{})
		Expect(errors.IsNotFound(err)).To(BeTrue())
	})

	It("keeps the finalizer when the provider cannot be reached", func() {
		list.memberInfoResult = &listapi.Result{Success: false, Message: listapi.MessageNotSubscribed}
		setup(true)
		Expect(reconcile()).To(Succeed())

		Expect(k8sClient.Delete(ctx, getMembership())).To(Succeed())
		Expect(reconcile()).To(MatchError(ContainSubstring("list provider unavailable")))

		Expect(list.unsubscribed).To(BeEmpty())
		cgm := getMembership()
		Expect(cgm.GetFinalizers()).To(ContainElement(listMembershipFinalizerKey))
		cond := meta.FindStatusCondition(cgm.Status.Conditions, ListMembershipReadyCondition)
		Expect(cond).NotTo(BeNil())
		Expect(cond.Reason).To(Equal(MembershipNotFinalizedReason))
	})

	It("keeps the finalizer when unsubscribe is rejected", func() {
		list.unsubscribeResult = &listapi.Result{Success: false, Message: "not found", Responded: true}
		setup(true)
		Expect(reconcile()).To(Succeed())

		Expect(k8sClient.Delete(ctx, getMembership())).To(Succeed())
		Expect(reconcile()).To(MatchError(ContainSubstring("not found")))

		cgm := getMembership()
		Expect(cgm.GetFinalizers()).To(ContainElement(listMembershipFinalizerKey))
		cond := meta.FindStatusCondition(cgm.Status.Conditions, ListMembershipReadyCondition)
		Expect(cond).NotTo(BeNil())
		Expect(cond.Reason).To(Equal(MembershipNotFinalizedReason))
	})
})
