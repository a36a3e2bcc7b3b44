/*
 * MIT License
 *
 * Copyright (c) 2019 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 */

package proto_test

import (
	"strings"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/virtualcable/udstunnel/internal/proto"
)

func TestProto(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "proto suite")
}

var _ = Describe("ValidTicket", func() {
	It("accepts exactly 64 alphanumeric bytes", func() {
		Expect(proto.ValidTicket([]byte(strings.Repeat("a", 64)))).To(BeTrue())
	})

	It("rejects any length other than 64", func() {
		Expect(proto.ValidTicket([]byte(strings.Repeat("a", 63)))).To(BeFalse())
		Expect(proto.ValidTicket([]byte(strings.Repeat("a", 65)))).To(BeFalse())
	})

	It("rejects non-alphanumeric bytes", func() {
		bad := strings.Repeat("a", 63) + "!"
		Expect(proto.ValidTicket([]byte(bad))).To(BeFalse())
	})
})

var _ = Describe("command tags", func() {
	It("are all exactly CommandLength bytes", func() {
		for _, c := range []string{proto.CmdOpen, proto.CmdTest, proto.CmdStat, proto.CmdInfo} {
			Expect(len(c)).To(Equal(proto.CommandLength))
		}
	})
})
