/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package access_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/gatetower/gatetower/internal/controlplane/access"
	"github.com/gatetower/gatetower/internal/controlplane/audit"
	"github.com/gatetower/gatetower/internal/controlplane/store"
	"github.com/gatetower/gatetower/internal/shared/captoken"
	"github.com/gatetower/gatetower/internal/tenant"
)

var _ = Describe("CheckPermission", func() {
	var (
		codec  *captoken.Codec
		st     *store.Store
		trail  *audit.Trail
		ctrl   *access.Controller
		tokens map[string]string
	)

	const (
		owner    = "alice@acme.io"
		member   = "bob@acme.io"
		stranger = "carol@acme.io"
		outsider = "attacker@b.io"
	)

	mint := func(subject, tenantDomain string) string {
		token, err := codec.Mint(captoken.NewClaims(subject, tenantDomain,
			[]captoken.Capability{{Resource: "resource:*", Actions: []string{"*"}}}, nil), time.Hour)
		Expect(err).NotTo(HaveOccurred())
		return token
	}

	resource := func(group store.AccessGroup, members ...string) *store.Resource {
		res := &store.Resource{
			Name:        "D",
			Type:        store.TypeDataset,
			OwnerID:     owner,
			AccessGroup: group,
			TeamMembers: members,
		}
		Expect(st.CreateResource(res)).To(Succeed())
		return res
	}

	BeforeEach(func() {
		paths, err := tenant.NewPaths(GinkgoT().TempDir(), "acme.io")
		Expect(err).NotTo(HaveOccurred())

		fs := store.NewFS()
		codec = captoken.NewCodec(captoken.NewKeyRing(nil))
		st = store.New(fs, paths, nil)
		trail = audit.NewTrail(fs, paths.KeyAuditLog, nil, 100)
		ctrl = access.NewController(codec, st, trail, nil)

		tokens = map[string]string{
			owner:    mint(owner, "acme.io"),
			member:   mint(member, "acme.io"),
			stranger: mint(stranger, "acme.io"),
			outsider: mint(outsider, "b.io"),
		}
	})

	Describe("token gating", func() {
		It("denies a malformed token", func() {
			res := resource(store.GroupOrganization)
			d := ctrl.CheckPermission(owner, res, "read", "not-a-token")
			Expect(d.Allowed).To(BeFalse())
			Expect(d.Reason).To(Equal("Invalid capability token"))
		})

		It("denies cross-tenant tokens regardless of capabilities", func() {
			res := resource(store.GroupOrganization)
			d := ctrl.CheckPermission(outsider, res, "read", tokens[outsider])
			Expect(d.Allowed).To(BeFalse())
			Expect(d.Reason).To(Equal("Cross-tenant access denied"))
		})

		It("audits cross-tenant attempts at warning severity", func() {
			res := resource(store.GroupIndividual)
			ctrl.CheckPermission(outsider, res, "read", tokens[outsider])

			recs := trail.Query(audit.Filter{Action: "cross_tenant_attempt"})
			Expect(recs).To(HaveLen(1))
			Expect(recs[0].Severity).To(Equal(audit.SeverityWarning))
			Expect(recs[0].UserID).To(Equal(outsider))
		})
	})

	Describe("owner supremacy", func() {
		for _, action := range []string{"read", "write", "delete", "admin"} {
			action := action
			It("allows the owner to "+action, func() {
				res := resource(store.GroupIndividual)
				d := ctrl.CheckPermission(owner, res, action, tokens[owner])
				Expect(d.Allowed).To(BeTrue())
				Expect(d.Reason).To(Equal("Owner access granted"))
			})
		}
	})

	Describe("mutation by non-owners", func() {
		It("denies writes even on organization resources", func() {
			res := resource(store.GroupOrganization)
			d := ctrl.CheckPermission(member, res, "write", tokens[member])
			Expect(d.Allowed).To(BeFalse())
			Expect(d.Reason).To(Equal("Only owner can modify"))
		})

		It("denies deletes by team members", func() {
			res := resource(store.GroupTeam, member)
			d := ctrl.CheckPermission(member, res, "delete", tokens[member])
			Expect(d.Allowed).To(BeFalse())
			Expect(d.Reason).To(Equal("Only owner can modify"))
		})
	})

	Describe("individual resources", func() {
		It("hides them from everyone but the owner", func() {
			res := resource(store.GroupIndividual)
			d := ctrl.CheckPermission(stranger, res, "read", tokens[stranger])
			Expect(d.Allowed).To(BeFalse())
			Expect(d.Reason).To(Equal("Private resource"))
		})
	})

	Describe("team resources", func() {
		It("denies non-members", func() {
			res := resource(store.GroupTeam, member)
			d := ctrl.CheckPermission(stranger, res, "read", tokens[stranger])
			Expect(d.Allowed).To(BeFalse())
			Expect(d.Reason).To(Equal("Not a team member"))
		})

		It("allows members to read", func() {
			res := resource(store.GroupTeam, member)
			d := ctrl.CheckPermission(member, res, "read", tokens[member])
			Expect(d.Allowed).To(BeTrue())
			Expect(d.Reason).To(Equal("Team member read access"))
		})

		It("honors explicit per-member permissions", func() {
			res := resource(store.GroupTeam, member)
			share, err := st.GetShare(res.ID)
			Expect(err).NotTo(HaveOccurred())
			share.TeamPermissions = map[string]store.Permission{member: store.PermRead}
			Expect(st.PutShare(share)).To(Succeed())

			d := ctrl.CheckPermission(member, res, "read", tokens[member])
			Expect(d.Allowed).To(BeTrue())
		})

		It("treats an expired share as inactive", func() {
			res := resource(store.GroupTeam, member)
			share, err := st.GetShare(res.ID)
			Expect(err).NotTo(HaveOccurred())
			past := time.Now().Add(-time.Hour).UTC()
			share.ExpiresAt = &past
			share.TeamPermissions = map[string]store.Permission{member: store.PermAdmin}
			Expect(st.PutShare(share)).To(Succeed())

			d := ctrl.CheckPermission(member, res, "read", tokens[member])
			Expect(d.Allowed).To(BeFalse())
			Expect(d.Reason).To(Equal("Not a team member"))
		})
	})

	Describe("organization resources", func() {
		It("allows tenant-wide reads", func() {
			res := resource(store.GroupOrganization)
			d := ctrl.CheckPermission(stranger, res, "read", tokens[stranger])
			Expect(d.Allowed).To(BeTrue())
			Expect(d.Reason).To(Equal("Organization-wide read access"))
		})
	})

	Describe("auditing", func() {
		It("records every denial", func() {
			res := resource(store.GroupIndividual)
			ctrl.CheckPermission(stranger, res, "read", tokens[stranger])
			ctrl.CheckPermission(stranger, res, "write", tokens[stranger])

			recs := trail.Query(audit.Filter{Action: "access_denied"})
			Expect(recs).To(HaveLen(2))
		})

		It("records nothing for allowed checks", func() {
			res := resource(store.GroupOrganization)
			ctrl.CheckPermission(owner, res, "read", tokens[owner])
			Expect(trail.Count()).To(BeZero())
		})
	})
})
