package notionsync

import (
	"time"

	"github.com/jomei/notionapi"

	"github.com/dvloznov/statement-ingest/internal/jobs"
)

// Review database property names.
const (
	propTitle    = "Name"
	propJobID    = "Job ID"
	propKind     = "Kind"
	propUserID   = "User"
	propUploadID = "Upload ID"
	propMessage  = "Message"
	propStatus   = "Status"
	propCreated  = "Created"
)

// StatusOpen is the Status of a freshly queued review item.
const StatusOpen = "Open"

// maxRichText is Notion's limit on one rich text block.
const maxRichText = 2000

// ReviewItemProperties maps a notification onto a review database row.
func ReviewItemProperties(job *jobs.NotifyJob) notionapi.Properties {
	title := job.Filename
	if title == "" {
		title = job.UploadID
	}

	created := notionapi.Date(job.CreatedAt.UTC())
	if job.CreatedAt.IsZero() {
		created = notionapi.Date(time.Now().UTC())
	}

	props := notionapi.Properties{
		propTitle: notionapi.TitleProperty{
			Title: richText(title),
		},
		propJobID: notionapi.RichTextProperty{
			RichText: richText(job.JobID),
		},
		propKind: notionapi.SelectProperty{
			Select: notionapi.Option{Name: string(job.Kind)},
		},
		propUserID: notionapi.RichTextProperty{
			RichText: richText(job.UserID),
		},
		propUploadID: notionapi.RichTextProperty{
			RichText: richText(job.UploadID),
		},
		propStatus: notionapi.SelectProperty{
			Select: notionapi.Option{Name: StatusOpen},
		},
		propCreated: notionapi.DateProperty{
			Date: &notionapi.DateObject{Start: &created},
		},
	}

	if job.Message != "" {
		props[propMessage] = notionapi.RichTextProperty{
			RichText: richText(truncate(job.Message, maxRichText)),
		}
	}
	return props
}

func richText(content string) []notionapi.RichText {
	return []notionapi.RichText{
		{
			Type: notionapi.ObjectTypeText,
			Text: &notionapi.Text{Content: content},
		},
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// jobIDOf reads the Job ID property back from a page.
func jobIDOf(page notionapi.Page) string {
	if prop, ok := page.Properties[propJobID]; ok {
		if rt, ok := prop.(*notionapi.RichTextProperty); ok && len(rt.RichText) > 0 {
			return rt.RichText[0].PlainText
		}
	}
	return ""
}
