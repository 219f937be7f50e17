/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"

	"github.com/apgms/escrow/config"
	"github.com/spf13/cobra"
)

const masked = "********"

func mask(s string) string {
	if s == "" {
		return ""
	}
	return masked
}

// maskDSN hides the password of a connection url, or the whole value when it does not parse.
func maskDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	u, err := url.Parse(dsn)
	if err != nil || u.Host == "" {
		return masked
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), masked)
	}
	return u.String()
}

// maskedConfig returns a copy of cfg that is safe to print.
func maskedConfig(cfg config.Configuration) config.Configuration {
	cfg.Server.SecretKey = mask(cfg.Server.SecretKey)
	cfg.DataSource.Dns = maskDSN(cfg.DataSource.Dns)
	cfg.Redis.Dns = maskDSN(cfg.Redis.Dns)
	cfg.Regulator.ClientSecret = mask(cfg.Regulator.ClientSecret)
	cfg.Evidence.AwsSecretAccessKey = mask(cfg.Evidence.AwsSecretAccessKey)
	cfg.Notification.Slack.WebhookUrl = mask(cfg.Notification.Slack.WebhookUrl)

	headers := make(map[string]string, len(cfg.Notification.Webhook.Headers))
	for k, v := range cfg.Notification.Webhook.Headers {
		headers[k] = mask(v)
	}
	cfg.Notification.Webhook.Headers = headers
	return cfg
}

func configCommands(a *escrowInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "config outputs your instance's computed configuration",
		Run: func(cmd *cobra.Command, args []string) {
			data, err := json.MarshalIndent(maskedConfig(*a.cnf), "", "    ")
			if err != nil {
				log.Fatalf("Error printing config: %v\n", err)
			}

			fmt.Println(string(data))
		},
	}
	return cmd
}
