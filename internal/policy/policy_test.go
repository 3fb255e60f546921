package policy_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mozilla/autoland/internal/assembler"
	"github.com/mozilla/autoland/internal/oracle"
	"github.com/mozilla/autoland/internal/policy"
	"github.com/mozilla/autoland/internal/tracker"
)

func vote(email string, result byte) assembler.Vote {
	return assembler.Vote{Principal: tracker.User{Email: email}, Result: result}
}

var _ = Describe("ReviewStatus", func() {
	var (
		ctx   context.Context
		group string
		o     *oracle.Fake
	)

	BeforeEach(func() {
		ctx = context.Background()
		group = "scm_level_3"
		o = oracle.NewFake(map[string][]string{
			group: {"trusted@example.org"},
		})
	})

	It("returns PASS when every patch has an authorized plus and no minus", func() {
		patches := []assembler.Patch{
			{ID: 1, Reviews: []assembler.Vote{vote("trusted@example.org", '+')}},
		}
		result, err := policy.ReviewStatus(ctx, o, group, patches)
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Outcome).To(Equal(policy.PASS))
	})

	It("returns FAIL when any patch has a minus vote, even alongside a plus", func() {
		patches := []assembler.Patch{
			{ID: 1, Reviews: []assembler.Vote{
				vote("trusted@example.org", '+'),
				vote("other@example.org", '-'),
			}},
		}
		result, err := policy.ReviewStatus(ctx, o, group, patches)
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Outcome).To(Equal(policy.FAIL))
		Expect(result.Offenders).To(ConsistOf(1))
	})

	It("returns INVALID when the only plus comes from an unauthorized principal", func() {
		patches := []assembler.Patch{
			{ID: 2, Reviews: []assembler.Vote{vote("outsider@example.org", '+')}},
		}
		result, err := policy.ReviewStatus(ctx, o, group, patches)
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Outcome).To(Equal(policy.INVALID))
		Expect(result.Offenders).To(ConsistOf(2))
	})

	It("returns PENDING when a patch has only a question mark", func() {
		patches := []assembler.Patch{
			{ID: 3, Reviews: []assembler.Vote{vote("trusted@example.org", '?')}},
		}
		result, err := policy.ReviewStatus(ctx, o, group, patches)
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Outcome).To(Equal(policy.PENDING))
	})

	It("returns PENDING when a patch has no votes at all", func() {
		patches := []assembler.Patch{{ID: 4}}
		result, err := policy.ReviewStatus(ctx, o, group, patches)
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Outcome).To(Equal(policy.PENDING))
	})

	It("returns FAIL for an empty patchset", func() {
		result, err := policy.ReviewStatus(ctx, o, group, nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Outcome).To(Equal(policy.FAIL))
	})

	It("aggregates to the worst outcome across patches: FAIL beats INVALID and PENDING", func() {
		patches := []assembler.Patch{
			{ID: 1, Reviews: []assembler.Vote{vote("trusted@example.org", '+')}},
			{ID: 2, Reviews: []assembler.Vote{vote("outsider@example.org", '+')}},
			{ID: 3, Reviews: []assembler.Vote{vote("trusted@example.org", '-')}},
			{ID: 4, Reviews: []assembler.Vote{vote("trusted@example.org", '?')}},
		}
		result, err := policy.ReviewStatus(ctx, o, group, patches)
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Outcome).To(Equal(policy.FAIL))
		Expect(result.Offenders).To(ConsistOf(3))
	})
})

var _ = Describe("ApprovalStatus", func() {
	var (
		ctx   context.Context
		group string
		o     *oracle.Fake
	)

	BeforeEach(func() {
		ctx = context.Background()
		group = "scm_level_3"
		o = oracle.NewFake(map[string][]string{group: {"release-driver@example.org"}})
	})

	It("only considers approval votes scoped to the named branch", func() {
		patches := []assembler.Patch{
			{ID: 1, Approvals: map[string][]assembler.Vote{
				"mozilla-central": {vote("release-driver@example.org", '+')},
				"other-branch":    {vote("random@example.org", '-')},
			}},
		}
		result, err := policy.ApprovalStatus(ctx, o, group, "mozilla-central", patches)
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Outcome).To(Equal(policy.PASS))
	})
})
