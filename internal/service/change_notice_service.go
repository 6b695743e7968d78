package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-student-changes/internal/dto"
	"github.com/noah-isme/sma-student-changes/internal/models"
	appErrors "github.com/noah-isme/sma-student-changes/pkg/errors"
	"github.com/noah-isme/sma-student-changes/pkg/export"
)

type changeReader interface {
	Get(ctx context.Context, id string) (*models.StudentChange, error)
}

type classNamer interface {
	NameByID(ctx context.Context, id string) (string, error)
}

type documentRenderer interface {
	Render(doc export.Document) ([]byte, error)
}

// ChangeNoticeService renders printable notices for change requests.
type ChangeNoticeService struct {
	changes  changeReader
	classes  classNamer
	renderer documentRenderer
	logger   *zap.Logger
	now      func() time.Time
}

// NewChangeNoticeService constructs the service. classes may be nil, in which
// case class ids are printed as-is.
func NewChangeNoticeService(changes changeReader, classes classNamer, renderer documentRenderer, logger *zap.Logger) *ChangeNoticeService {
	if renderer == nil {
		renderer = export.NewPDFExporter()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChangeNoticeService{
		changes:  changes,
		classes:  classes,
		renderer: renderer,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Notice renders the PDF notice for change id and returns its file name.
func (s *ChangeNoticeService) Notice(ctx context.Context, id string) (string, []byte, error) {
	change, err := s.changes.Get(ctx, id)
	if err != nil {
		return "", nil, err
	}
	doc := BuildChangeNotice(change, s.classLabel(ctx, change.Snapshot.CurrentClassID), s.classLabel(ctx, targetClassOf(change)), s.now())
	data, err := s.renderer.Render(doc)
	if err != nil {
		return "", nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render change notice")
	}
	filename := fmt.Sprintf("change-%s-%s.pdf", strings.ToLower(strings.ReplaceAll(string(change.Type), "_", "-")), change.ID)
	return filename, data, nil
}

func (s *ChangeNoticeService) classLabel(ctx context.Context, id *string) string {
	if id == nil || *id == "" {
		return "-"
	}
	if s.classes == nil {
		return *id
	}
	name, err := s.classes.NameByID(ctx, *id)
	if err != nil {
		s.logger.Warn("failed to resolve class name", zap.String("class_id", *id), zap.Error(err))
		return *id
	}
	if name == "" {
		return *id
	}
	return name
}

func targetClassOf(change *models.StudentChange) *string {
	if d, ok := change.Detail.(models.ReinstateDetail); ok && d.PlacementPolicy == models.PlacementNewClass {
		return d.TargetClassID
	}
	return nil
}

var changeTypeTitles = map[models.ChangeType]string{
	models.ChangeTypeTransferOut: "Transfer Out Notice",
	models.ChangeTypeLeave:       "Leave of Absence Notice",
	models.ChangeTypeReinstate:   "Reinstatement Notice",
}

// BuildChangeNotice lays out a change request as a printable document. The
// student section prints the snapshot taken when the request was created.
func BuildChangeNotice(change *models.StudentChange, className, targetClassName string, printedAt time.Time) export.Document {
	title, ok := changeTypeTitles[change.Type]
	if !ok {
		title = "Student Change Notice"
	}

	effective := "on approval"
	if change.EffectiveAt != nil {
		effective = change.EffectiveAt.UTC().Format("2006-01-02 15:04 MST")
	}

	doc := export.Document{
		Title:    title,
		Subtitle: fmt.Sprintf("Request %s", change.ID),
		Sections: []export.Section{
			{
				Heading: "Student",
				Fields: []export.Field{
					{Label: "Name", Value: orDash(change.Snapshot.FullName)},
					{Label: "Student number", Value: orDash(change.Snapshot.StudentNumber)},
					{Label: "Status at request", Value: orDash(string(change.Snapshot.Status))},
					{Label: "Class at request", Value: orDash(className)},
				},
			},
			{
				Heading: "Request",
				Fields: []export.Field{
					{Label: "Type", Value: string(change.Type)},
					{Label: "Status", Value: string(change.Status)},
					{Label: "Effective", Value: effective},
					{Label: "Reason", Value: orDash(change.Reason)},
					{Label: "Attachments", Value: orDash(strings.Join(change.Attachments, ", "))},
					{Label: "Version", Value: fmt.Sprintf("%d", change.Version)},
				},
			},
		},
		Footer: fmt.Sprintf("Printed %s", printedAt.UTC().Format("2006-01-02 15:04 MST")),
	}

	var details []export.Field
	switch d := change.Detail.(type) {
	case models.TransferOutDetail:
		release := ""
		if d.ReleaseDate != nil {
			release = d.ReleaseDate.Format(dto.DateLayout)
		}
		details = []export.Field{
			{Label: "Target school", Value: orDash(d.TargetSchoolName)},
			{Label: "Target school contact", Value: orDash(d.TargetSchoolContact)},
			{Label: "Release date", Value: orDash(release)},
			{Label: "Handover note", Value: orDash(d.HandoverNote)},
		}
	case models.LeaveDetail:
		details = []export.Field{
			{Label: "Leave type", Value: orDash(d.LeaveType)},
			{Label: "Start date", Value: d.StartDate.Format(dto.DateLayout)},
			{Label: "End date", Value: d.EndDate.Format(dto.DateLayout)},
		}
	case models.ReinstateDetail:
		details = []export.Field{
			{Label: "Return date", Value: d.ReturnDate.Format(dto.DateLayout)},
			{Label: "Placement", Value: orDash(string(d.PlacementPolicy))},
		}
		if d.PlacementPolicy == models.PlacementNewClass {
			details = append(details, export.Field{Label: "Target class", Value: orDash(targetClassName)})
		}
	}
	if len(details) > 0 {
		doc.Sections = append(doc.Sections, export.Section{Heading: "Details", Fields: details})
	}
	return doc
}

func orDash(v string) string {
	if strings.TrimSpace(v) == "" {
		return "-"
	}
	return v
}
