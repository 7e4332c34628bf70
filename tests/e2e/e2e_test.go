// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// e2e implements the e2e tests.
package e2e_test

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"strings"
	"testing"
	"time"

	ginkgo "github.com/onsi/ginkgo/v2"
	"github.com/onsi/ginkgo/v2/formatter"
	"github.com/onsi/gomega"

	"github.com/ava-labs/substratevm/client"
	"github.com/ava-labs/substratevm/executor"
	"github.com/ava-labs/substratevm/native"
	"github.com/ava-labs/substratevm/tests/network"
	"github.com/ava-labs/substratevm/types"
)

func TestE2e(t *testing.T) {
	gomega.RegisterFailHandler(ginkgo.Fail)
	ginkgo.RunSpecs(t, "substratevm e2e test suites")
}

var (
	requestTimeout time.Duration
	uris           string
)

func init() {
	flag.DurationVar(
		&requestTimeout,
		"request-timeout",
		30*time.Second,
		"timeout for manifest submission and state queries",
	)
	flag.StringVar(
		&uris,
		"uris",
		"",
		"comma separated RPC endpoints of running nodes (http://127.0.0.1:9650/ext/substratevm), local endpoints are started when empty",
	)
}

var (
	net       network.StaticNetwork
	instances []client.Client
)

var _ = ginkgo.BeforeSuite(func() {
	if uris == "" {
		net = network.NewLocalNetwork(2)
	} else {
		net = network.NewExistingNetwork(strings.Split(uris, ","))
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	gomega.Expect(net.CreateDefault(ctx)).Should(gomega.BeNil())

	endpoints, err := net.URIs(ctx)
	gomega.Expect(err).Should(gomega.BeNil())
	outf("{{blue}}substratevm RPC endpoints:{{/}} %q\n", endpoints)
	for _, uri := range endpoints {
		instances = append(instances, client.New(uri))
	}
})

var _ = ginkgo.AfterSuite(func() {
	outf("{{red}}shutting down endpoints{{/}}\n")
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	gomega.Expect(net.Teardown(ctx)).Should(gomega.BeNil())
})

// uniqueSymbol keeps manifests distinct across runs against the same
// database, since identical manifests derive identical node ids.
func uniqueSymbol() string {
	b := make([]byte, 4)
	_, err := rand.Read(b)
	gomega.Ω(err).Should(gomega.BeNil())
	return "E2E-" + hex.EncodeToString(b)
}

func submit(cli client.Client, m *executor.Manifest) *executor.Receipt {
	b, err := m.Bytes()
	gomega.Ω(err).Should(gomega.BeNil())
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	receipt, err := cli.SubmitManifest(ctx, b)
	gomega.Ω(err).Should(gomega.BeNil())
	return receipt
}

func balanceOf(cli client.Client, acct types.NodeID, resource types.NodeID) uint64 {
	receipt := submit(cli, &executor.Manifest{Instructions: []executor.Instruction{
		{Receiver: acct.String(), Function: "balance", Args: executor.Args{Refs: []string{resource.String()}}},
	}})
	gomega.Ω(receipt.Committed()).Should(gomega.BeTrue())
	amount, err := native.DecodeAmount(receipt.Outputs[0])
	gomega.Ω(err).Should(gomega.BeNil())
	return amount.Uint64()
}

var _ = ginkgo.Describe("[SubmitManifest]", ginkgo.Ordered, func() {
	var resource, acct types.NodeID

	ginkgo.It("creates a resource and an account", func() {
		receipt := submit(instances[0], &executor.Manifest{Instructions: []executor.Instruction{
			{Blueprint: native.ResourceManagerBlueprint, Function: "create", Args: executor.Args{Symbol: uniqueSymbol(), Amount: "1000"}, Bind: "supply"},
			{Blueprint: native.AccountBlueprint, Function: "create", Bind: "acct"},
			{Receiver: "$acct", Function: "deposit", Args: executor.Args{Move: []string{"$supply"}}},
		}})
		gomega.Ω(receipt.Committed()).Should(gomega.BeTrue())
		resource = receipt.Outputs[0].References[0]
		acct = receipt.Outputs[1].References[0]
		outf("{{green}}created resource{{/}} %s {{green}}and account{{/}} %s\n", resource, acct)

		for _, cli := range instances {
			gomega.Ω(balanceOf(cli, acct, resource)).Should(gomega.Equal(uint64(1000)))
		}
	})

	ginkgo.It("moves funds between accounts", func() {
		receipt := submit(instances[len(instances)-1], &executor.Manifest{Instructions: []executor.Instruction{
			{Blueprint: native.AccountBlueprint, Function: "create", Args: executor.Args{Symbol: uniqueSymbol()}, Bind: "other"},
			{Receiver: acct.String(), Function: "withdraw", Args: executor.Args{Amount: "250", Refs: []string{resource.String()}}, Bind: "payment"},
			{Receiver: "$other", Function: "deposit", Args: executor.Args{Move: []string{"$payment"}}},
		}})
		gomega.Ω(receipt.Committed()).Should(gomega.BeTrue())
		other := receipt.Outputs[0].References[0]

		gomega.Ω(balanceOf(instances[0], acct, resource)).Should(gomega.Equal(uint64(750)))
		gomega.Ω(balanceOf(instances[0], other, resource)).Should(gomega.Equal(uint64(250)))
	})

	ginkgo.It("proves substates against the state root", func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		cli := instances[0]

		id := types.NewSubstateID(resource, types.ModuleTypeInfo, types.TypeInfoKey)
		proven, err := cli.ProveSubstate(ctx, id)
		gomega.Ω(err).Should(gomega.BeNil())
		gomega.Ω(proven.Hash).ShouldNot(gomega.BeNil())
		gomega.Ω(proven.Proof.Verify(proven.StateRoot, id, proven.Hash)).Should(gomega.Succeed())

		missing := types.NewSubstateID(resource, types.ModuleMain, types.FieldKey(7))
		proven, err = cli.ProveSubstate(ctx, missing)
		gomega.Ω(err).Should(gomega.BeNil())
		gomega.Ω(proven.Hash).Should(gomega.BeNil())
		gomega.Ω(proven.Proof.Verify(proven.StateRoot, missing, nil)).Should(gomega.Succeed())
	})

	ginkgo.It("rejects an overdraft without changing the state root", func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		cli := instances[0]

		version, root, err := cli.GetStateRoot(ctx)
		gomega.Ω(err).Should(gomega.BeNil())

		receipt := submit(cli, &executor.Manifest{Instructions: []executor.Instruction{
			{Receiver: acct.String(), Function: "withdraw", Args: executor.Args{Amount: "1000000", Refs: []string{resource.String()}}},
		}})
		gomega.Ω(receipt.Committed()).Should(gomega.BeFalse())
		gomega.Ω(receipt.Error.Code).Should(gomega.Equal("ApplicationError"))

		afterVersion, afterRoot, err := cli.GetStateRoot(ctx)
		gomega.Ω(err).Should(gomega.BeNil())
		gomega.Ω(afterVersion).Should(gomega.Equal(version))
		gomega.Ω(afterRoot).Should(gomega.Equal(root))
	})
})

// Outputs to stdout.
//
// e.g.,
//
//	Out("{{green}}{{bold}}hi there %q{{/}}", "aa")
//	Out("{{magenta}}{{bold}}hi therea{{/}} {{cyan}}{{underline}}b{{/}}")
//
// ref.
// https://github.com/onsi/ginkgo/blob/v2.0.0/formatter/formatter.go#L52-L73
func outf(format string, args ...interface{}) {
	s := formatter.F(format, args...)
	fmt.Fprint(formatter.ColorableStdOut, s)
}
