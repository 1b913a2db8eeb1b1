package directory

import (
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var specialties = []string{
	"General Practice",
	"Pediatrics",
	"Dermatology",
	"Cardiology",
	"Obstetrics and Gynecology",
	"Internal Medicine",
	"ENT",
	"Ophthalmology",
}

// Dataset is a generated clinic roster for local runs and load tests.
type Dataset struct {
	Branches []Branch
	Doctors  []Doctor
	Patients []Patient
}

// Generate builds a roster from seed. Everything but the timestamps depends
// only on seed, IDs included. Every doctor works Monday to Saturday, mornings
// and afternoons, in one of the branches.
func Generate(seed uint64, branches, doctors, patients int) Dataset {
	f := gofakeit.New(seed)
	now := time.Now().UTC()

	var ds Dataset
	for i := 0; i < branches; i++ {
		addr := f.Street() + ", " + f.City()
		ds.Branches = append(ds.Branches, Branch{
			ID:      uuid.MustParse(f.UUID()),
			Name:    f.City() + " Clinic",
			Address: &addr,
		})
	}

	intervals := []time.Duration{15 * time.Minute, 20 * time.Minute, 30 * time.Minute}
	for i := 0; i < doctors; i++ {
		spec := f.RandomString(specialties)
		d := Doctor{
			ID:              uuid.MustParse(f.UUID()),
			Name:            "Dr. " + f.Name(),
			Specialty:       &spec,
			SlotInterval:    intervals[f.Number(0, len(intervals)-1)],
			ConsultationFee: decimal.NewFromInt(int64(f.Number(4, 15) * 100)),
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if len(ds.Branches) > 0 {
			id := ds.Branches[f.Number(0, len(ds.Branches)-1)].ID
			d.BranchID = &id
		}
		for wd := time.Monday; wd <= time.Saturday; wd++ {
			d.Windows = append(d.Windows,
				Window{Weekday: wd, Start: 9 * 60, End: 12 * 60},
				Window{Weekday: wd, Start: 13 * 60, End: 17 * 60},
			)
		}
		ds.Doctors = append(ds.Doctors, d)
	}

	for i := 0; i < patients; i++ {
		email, phone := f.Email(), f.Phone()
		ds.Patients = append(ds.Patients, Patient{
			ID:        uuid.MustParse(f.UUID()),
			Name:      f.Name(),
			Email:     &email,
			Phone:     &phone,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	return ds
}

// LoadInto registers the dataset with a static directory.
func (ds Dataset) LoadInto(s *Static) {
	for _, b := range ds.Branches {
		s.AddBranch(b)
	}
	for _, d := range ds.Doctors {
		s.AddDoctor(d)
	}
	for _, p := range ds.Patients {
		s.AddPatient(p)
	}
}
