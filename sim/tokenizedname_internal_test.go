package sim

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Names", func() {
	It("should split elements and indices", func() {
		tokens, err := parseName("GPU[1][0].Proxy.MMIO")

		Expect(err).NotTo(HaveOccurred())
		Expect(tokens).To(Equal([]nameToken{
			{elem: "GPU", indices: []int{1, 0}},
			{elem: "Proxy"},
			{elem: "MMIO"},
		}))
	})

	DescribeTable("should reject",
		func(name string) {
			Expect(func() { NameMustBeValid(name) }).To(Panic())
		},
		Entry("an empty name", ""),
		Entry("an empty element", "GPU..Proxy"),
		Entry("a trailing dot", "GPU.Proxy."),
		Entry("an underscore", "GPU_0"),
		Entry("a dash", "GPU-0"),
		Entry("a lower case element", "GPU.proxy"),
		Entry("an unclosed bracket", "GPU[0"),
		Entry("an unopened bracket", "GPU0]"),
		Entry("a non-integer index", "GPU[x]"),
		Entry("text after an index", "GPU[0]Core"),
	)

	It("should accept indexed names", func() {
		Expect(func() { NameMustBeValid("Platform.GPU[3].Proxy") }).
			NotTo(Panic())
	})

	It("should build child names", func() {
		Expect(BuildName("", "Platform")).To(Equal("Platform"))
		Expect(BuildName("Platform", "Proxy")).To(Equal("Platform.Proxy"))
	})
})
