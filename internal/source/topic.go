// Copyright 2025 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package source

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// checkTopic fails when the brokers do not know topic or any of the
// explicitly assigned partitions.
func checkTopic(ctx context.Context, r kmsg.Requestor, topic string, partitions []int32) error {
	req := kmsg.NewPtrMetadataRequest()
	req.AllowAutoTopicCreation = false
	reqTopic := kmsg.NewMetadataRequestTopic()
	reqTopic.Topic = kmsg.StringPtr(topic)
	req.Topics = append(req.Topics, reqTopic)

	resp, err := req.RequestWith(ctx, r)
	if err != nil {
		return fmt.Errorf("metadata for topic %s: %w", topic, err)
	}
	for _, t := range resp.Topics {
		if t.Topic == nil || *t.Topic != topic {
			continue
		}
		if err := kerr.ErrorForCode(t.ErrorCode); err != nil {
			return fmt.Errorf("topic %s: %w", topic, err)
		}
		known := make(map[int32]struct{}, len(t.Partitions))
		for _, p := range t.Partitions {
			known[p.Partition] = struct{}{}
		}
		for _, p := range partitions {
			if _, ok := known[p]; !ok {
				return fmt.Errorf("topic %s has no partition %d", topic, p)
			}
		}
		return nil
	}
	return fmt.Errorf("topic %s missing from metadata response", topic)
}
